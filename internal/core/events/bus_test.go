package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ctx := context.Background()

	var got []Event
	sub := b.Subscribe(TypeAccepted, func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	})
	assert.True(t, sub.IsActive())
	assert.Equal(t, TypeAccepted, sub.EventType())
	assert.NotEmpty(t, sub.ID())

	require.NoError(t, b.Publish(ctx, Event{Type: TypeAccepted, Doc: "a", Version: 2}))
	require.NoError(t, b.Publish(ctx, Event{Type: TypeJoined, Doc: "a"}))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Doc)
	assert.Equal(t, 2, got[0].Version)
	assert.False(t, got[0].Time.IsZero())
}

func TestWildcardAndCancel(t *testing.T) {
	b := New()
	ctx := context.Background()

	var all int
	sub := b.Subscribe(TypeAll, func(context.Context, Event) error {
		all++
		return nil
	})
	require.NoError(t, b.Publish(ctx, Event{Type: TypeJoined}))
	require.NoError(t, b.Publish(ctx, Event{Type: TypeCleared}))
	assert.Equal(t, 2, all)

	sub.Cancel()
	sub.Cancel()
	assert.False(t, sub.IsActive())
	require.NoError(t, b.Publish(ctx, Event{Type: TypeJoined}))
	assert.Equal(t, 2, all)
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	b := New()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	b.Subscribe(TypeLeft, func(context.Context, Event) error { return errA })
	b.Subscribe(TypeLeft, func(context.Context, Event) error { return errB })
	b.Subscribe(TypeLeft, func(context.Context, Event) error { return nil })

	err := b.Publish(context.Background(), Event{Type: TypeLeft})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(3), m.Delivered)
	assert.Equal(t, uint64(2), m.Errors)
}
