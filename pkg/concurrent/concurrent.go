package concurrent

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultStripes is the stripe count used when NewKeyedMutex gets a non-positive value.
const DefaultStripes = 256

// KeyedMutex serializes work per key. Keys are hashed onto a fixed set of
// stripes, so two different keys may share a stripe but one key never maps
// to two stripes.
type KeyedMutex struct {
	stripes []sync.Mutex
}

func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

func (k *KeyedMutex) stripe(key string) *sync.Mutex {
	return &k.stripes[xxhash.Sum64String(key)%uint64(len(k.stripes))]
}

// Lock acquires the stripe for key and returns the matching unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	m := k.stripe(key)
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding the lock for key.
func (k *KeyedMutex) Do(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()
	return fn()
}

// FanoutError reports the targets whose action failed.
type FanoutError[T any] struct {
	Failed []T
	Errs   []error
}

func (e *FanoutError[T]) Error() string {
	return errors.Join(e.Errs...).Error()
}

func (e *FanoutError[T]) Unwrap() []error {
	return e.Errs
}

// Fanout runs action for every target concurrently, at most limit at a time
// (limit <= 0 means unbounded). A failing target never stops the others;
// every failure is collected into a *FanoutError.
func Fanout[T any](ctx context.Context, targets []T, limit int, action func(context.Context, T) error) error {
	if len(targets) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	var (
		mu     sync.Mutex
		result FanoutError[T]
	)
	for _, target := range targets {
		group.Go(func() error {
			if err := action(groupCtx, target); err != nil {
				mu.Lock()
				result.Failed = append(result.Failed, target)
				result.Errs = append(result.Errs, err)
				mu.Unlock()
			}
			// Returning nil keeps groupCtx alive for the remaining targets.
			return nil
		})
	}
	_ = group.Wait()

	if len(result.Errs) == 0 {
		return nil
	}
	return &result
}
