// Package store holds the provider-session liveness keys. The presence of
// a key is the only authoritative signal that a provider session is still
// valid; TTL expiry or an explicit delete (backchannel logout) revokes it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "liveness:"

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// SessionTTL is the inactivity window of a provider session. Every
// liveness probe pushes the expiry out by this duration.
const SessionTTL = 24 * time.Hour

type Options struct {
	Address  string
	Username string
	Password string
	DB       int
	PoolSize int
}

// SessionStore is a Redis-backed set of provider session ids with an
// inactivity TTL.
type SessionStore struct {
	client *redis.Client
}

func New(opts Options) *SessionStore {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	return &SessionStore{client: client}
}

// Put creates or overwrites the liveness entry for the given provider
// session id with the given TTL.
func (s *SessionStore) Put(ctx context.Context, providerSessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+providerSessionID, "", ttl).Err()
}

// Touch reports whether the provider session is still alive and, if so,
// extends its TTL in the same call. A session untouched for the TTL window
// disappears and every later Touch reports false.
func (s *SessionStore) Touch(ctx context.Context, providerSessionID string, ttl time.Duration) (bool, error) {
	err := s.client.GetEx(ctx, keyPrefix+providerSessionID, ttl).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the liveness entry. Deleting a missing key is not an
// error, so revocation stays idempotent under concurrent requests.
func (s *SessionStore) Delete(ctx context.Context, providerSessionID string) error {
	return s.client.Del(ctx, keyPrefix+providerSessionID).Err()
}

func (s *SessionStore) Close() error {
	return s.client.Close()
}
