package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Provider with lease expiry.
type Local struct {
	mu    sync.Mutex
	held  map[string]lease
	clock func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// NewLocal returns an empty Local provider.
func NewLocal() *Local {
	return &Local{held: map[string]lease{}, clock: time.Now}
}

// TryAcquire implements Provider.
func (l *Local) TryAcquire(_ context.Context, resource, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.held[resource]; ok && cur.token != token && now.Before(cur.expires) {
		return false, nil
	}
	l.held[resource] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Provider.
func (l *Local) Release(_ context.Context, resource, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[resource]
	if !ok || cur.token != token {
		return ErrNotHeld
	}
	delete(l.held, resource)
	return nil
}
