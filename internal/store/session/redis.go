// Package session keeps opaque session tokens in Redis with a sliding TTL.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traffic-tacos/profile-api/internal/metrics"
)

const storeName = "session"

// ErrNotFound covers both never-issued and expired tokens
var ErrNotFound = errors.New("session not found")

// Store is the key-value session store used by the auth service
type Store interface {
	Save(ctx context.Context, token string, value []byte, ttl time.Duration) error
	Load(ctx context.Context, token string) ([]byte, error)
	Refresh(ctx context.Context, token string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// RedisStore keeps one string key per token
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	breaker *CircuitBreaker
}

// NewRedisStore creates a session store. breaker may be nil.
func NewRedisStore(client redis.UniversalClient, prefix string, breaker *CircuitBreaker) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, breaker: breaker}
}

// Key returns the Redis key for token
func (s *RedisStore) Key(token string) string {
	return s.prefix + token
}

// Save writes value under the token with the given TTL (SET EX).
func (s *RedisStore) Save(ctx context.Context, token string, value []byte, ttl time.Duration) error {
	return s.do("set", func() error {
		if err := s.client.Set(ctx, s.Key(token), value, ttl).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
		return nil
	})
}

// Load returns the stored value or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, token string) ([]byte, error) {
	var (
		value   []byte
		missing bool
	)
	err := s.do("get", func() error {
		raw, err := s.client.Get(ctx, s.Key(token)).Bytes()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		value = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrNotFound
	}
	return value, nil
}

// Refresh resets the TTL of an existing key. The value is left untouched.
// A key that expired between Load and Refresh yields ErrNotFound.
func (s *RedisStore) Refresh(ctx context.Context, token string, ttl time.Duration) error {
	var existed bool
	err := s.do("expire", func() error {
		ok, err := s.client.Expire(ctx, s.Key(token), ttl).Result()
		if err != nil {
			return fmt.Errorf("redis expire: %w", err)
		}
		existed = ok
		return nil
	})
	if err != nil {
		return err
	}
	if !existed {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) do(operation string, fn func() error) error {
	start := time.Now()
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(fn)
	} else {
		err = fn()
	}
	metrics.RecordStoreOperation(storeName, operation, err, time.Since(start))
	return err
}
