package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"3tcapital/ms_nfse_emissor/internal/core/emission"
)

// Locker implements emission.Locker with redislock, so that several service
// instances sharing one redis never emit the same order concurrently.
type Locker struct {
	client  *redislock.Client
	retries int
	backoff time.Duration
}

var _ emission.Locker = (*Locker)(nil)

// NewLocker wraps rdb. With retries > 0, Obtain polls the key that many
// times, backoff apart, before giving up.
func NewLocker(rdb goredis.UniversalClient, retries int, backoff time.Duration) *Locker {
	return &Locker{
		client:  redislock.New(rdb),
		retries: retries,
		backoff: backoff,
	}
}

func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (emission.Lock, error) {
	opts := &redislock.Options{RetryStrategy: redislock.NoRetry()}
	if l.retries > 0 {
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries)
	}

	lock, err := l.client.Obtain(ctx, key, ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, emission.ErrLockNotObtained
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return &heldLock{lock: lock}, nil
}

type heldLock struct {
	lock *redislock.Lock
}

// Release is a no-op when the lease already expired.
func (h *heldLock) Release(ctx context.Context) error {
	if err := h.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("release lock %s: %w", h.lock.Key(), err)
	}
	return nil
}
