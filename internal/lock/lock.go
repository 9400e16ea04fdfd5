// Implements the lock manager.

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/time/rate"
)

var (
	// ErrNotAcquired is returned when the retry budget is exhausted.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned by Release when the token does not own the lock,
	// usually because it expired and was taken by someone else.
	ErrNotHeld = errors.New("lock not held")
)

// Provider is a lock primitive. Implementations must be safe for concurrent
// use.
type Provider interface {
	// TryAcquire makes one attempt to take resource for ttl on behalf of
	// token. It returns false without error when another token holds it.
	TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	// Release frees resource if token holds it.
	Release(ctx context.Context, resource, token string) error
}

// Options controls the Manager's acquisition policy.
type Options struct {
	// TTL is the default lease duration.
	TTL time.Duration
	// RetryCount is the number of attempts after the first one.
	RetryCount int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// RetryJitter is the maximum random extra wait between attempts.
	RetryJitter time.Duration
	// AttemptsPerSecond caps provider calls across all resources. Zero means
	// unlimited.
	AttemptsPerSecond float64
}

// DefaultOptions returns the default acquisition policy.
func DefaultOptions() Options {
	return Options{
		TTL:         5 * time.Second,
		RetryCount:  10,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
	}
}

// AcquireError reports a lock that could not be taken.
type AcquireError struct {
	Resource string
	Attempts int
	// Err is the last provider or context error, if any.
	Err error
}

func (e *AcquireError) Error() string {
	msg := fmt.Sprintf("failed to acquire lock %q after %d attempts", e.Resource, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrNotAcquired and the underlying error.
func (e *AcquireError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotAcquired}
	}
	return []error{ErrNotAcquired, e.Err}
}

// Manager runs operations under locks from a Provider.
type Manager struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
}

// NewManager returns a Manager. Zero fields in opts take their default.
func NewManager(p Provider, opts Options) *Manager {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.RetryJitter < 0 {
		opts.RetryJitter = 0
	}
	m := &Manager{provider: p, opts: opts}
	if opts.AttemptsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.AttemptsPerSecond), max(1, int(opts.AttemptsPerSecond)))
	}
	return m
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// WithLock runs fn while holding resource for the default TTL.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	return m.WithLockTTL(ctx, resource, m.opts.TTL, fn)
}

// WithLockTTL runs fn while holding resource for ttl.
//
// fn is not called when the lock cannot be taken; the returned error is then
// an *AcquireError. fn receives a context that is canceled when ttl elapses.
// The lock is released however fn exits, including by panic. A failed release
// is logged and left to the TTL.
func (m *Manager) WithLockTTL(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	token := ksid.NewID().String()
	if err := m.acquire(ctx, resource, token, ttl); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
		defer cancel()
		if err := m.provider.Release(rctx, resource, token); err != nil {
			slog.WarnContext(ctx, "lock: failed to release", "resource", resource, "held", time.Since(start), "err", err)
		}
	}()
	opCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(opCtx)
}

func (m *Manager) acquire(ctx context.Context, resource, token string, ttl time.Duration) error {
	attempts := m.opts.RetryCount + 1
	var last error
	for i := range attempts {
		if i > 0 {
			wait := m.opts.RetryDelay
			if m.opts.RetryJitter > 0 {
				wait += rand.N(m.opts.RetryJitter)
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return &AcquireError{Resource: resource, Attempts: i, Err: ctx.Err()}
			case <-t.C:
			}
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return &AcquireError{Resource: resource, Attempts: i, Err: err}
			}
		}
		ok, err := m.provider.TryAcquire(ctx, resource, token, ttl)
		if err != nil {
			last = err
			slog.WarnContext(ctx, "lock: provider error", "resource", resource, "attempt", i+1, "err", err)
			continue
		}
		if ok {
			if i > 0 {
				slog.DebugContext(ctx, "lock: acquired after contention", "resource", resource, "attempts", i+1)
			}
			return nil
		}
	}
	slog.WarnContext(ctx, "lock: giving up", "resource", resource, "attempts", attempts)
	return &AcquireError{Resource: resource, Attempts: attempts, Err: last}
}
