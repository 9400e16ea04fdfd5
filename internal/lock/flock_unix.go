//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Flock is a Provider backed by flock(2) on one file per resource in a
// directory shared by every participating process.
//
// The TTL is not enforced: the kernel releases the lock when the holding
// process exits, which covers crashed holders.
type Flock struct {
	dir  string
	mu   sync.Mutex
	held map[string]flockHandle
}

type flockHandle struct {
	token string
	f     *os.File
}

// NewFlock returns a Flock provider storing lock files in dir.
func NewFlock(dir string) (*Flock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	return &Flock{dir: dir, held: map[string]flockHandle{}}, nil
}

// TryAcquire implements Provider.
func (p *Flock) TryAcquire(_ context.Context, resource, token string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.held[resource]; ok {
		return h.token == token, nil
	}
	path := filepath.Join(p.dir, lockFileName(resource))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // name is sanitized.
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to flock %s: %w", path, err)
	}
	p.held[resource] = flockHandle{token: token, f: f}
	return true, nil
}

// Release implements Provider. Lock files are left in place; removing them
// would let two processes lock different inodes for the same resource.
func (p *Flock) Release(_ context.Context, resource, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.held[resource]
	if !ok || h.token != token {
		return ErrNotHeld
	}
	delete(p.held, resource)
	err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return errors.Join(err, h.f.Close())
}

func lockFileName(resource string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, resource) + ".lock"
}
