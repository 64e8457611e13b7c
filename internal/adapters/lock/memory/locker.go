package memory

import (
	"context"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/emission"
)

// Locker is an in-process emission.Locker with TTL expiry, used when no redis
// address is configured and in tests.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	token uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), now: time.Now}
}

func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (emission.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, emission.ErrLockNotObtained
	}
	l.token++
	l.held[key] = lease{token: l.token, expires: now.Add(ttl)}
	return &lock{owner: l, key: key, token: l.token}, nil
}

// Held reports whether key is currently locked.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.now().Before(cur.expires)
}

type lock struct {
	owner *Locker
	key   string
	token uint64
}

func (k *lock) Release(ctx context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()

	cur, ok := k.owner.held[k.key]
	if !ok || cur.token != k.token {
		return nil
	}
	delete(k.owner.held, k.key)
	return nil
}

var _ emission.Locker = (*Locker)(nil)
