package text

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

const redisComponent = "text.redis"

type RedisConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	Password       string        `yaml:"password" json:"password"`
	DB             int           `yaml:"db" json:"db"`
	KeyPrefix      string        `yaml:"key_prefix" json:"key_prefix"`
	ConnectRetries uint64        `yaml:"connect_retries" json:"connect_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

func (c *RedisConfig) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "notesync:text:"
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// RedisStore keeps canonical text as plain string keys.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, cfg RedisConfig, logger log.Log) (*RedisStore, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", storage.ErrNotConfigured)
	}
	logger = logger.With(log.String("component", redisComponent))

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), connectCtx)
	err := backoff.Retry(func() error {
		if err := client.Ping(connectCtx).Err(); err != nil {
			logger.Warn("redis not reachable", log.String("addr", cfg.Addr), log.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		client.Close()
		return nil, storage.Wrap(redisComponent, "ping", err)
	}

	logger.Info("text store connected", log.String("addr", cfg.Addr), log.String("prefix", cfg.KeyPrefix))
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(docID string) string {
	return s.prefix + docID
}

func (s *RedisStore) Read(ctx context.Context, docID string) (string, error) {
	text, err := s.client.Get(ctx, s.key(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storage.Wrap(redisComponent, "read", err)
	}
	return text, nil
}

func (s *RedisStore) Write(ctx context.Context, docID, text string) error {
	return storage.Wrap(redisComponent, "write", s.client.Set(ctx, s.key(docID), text, 0).Err())
}

// Delete removes the stored text.
func (s *RedisStore) Delete(ctx context.Context, docID string) error {
	return storage.Wrap(redisComponent, "delete", s.client.Del(ctx, s.key(docID)).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
