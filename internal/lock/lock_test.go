package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{TTL: time.Second, RetryCount: 2, RetryDelay: time.Millisecond, RetryJitter: time.Millisecond}
}

type failingProvider struct {
	err   error
	calls atomic.Int32
}

func (p *failingProvider) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	p.calls.Add(1)
	return false, p.err
}

func (p *failingProvider) Release(context.Context, string, string) error { return nil }

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(NewLocal(), Options{RetryCount: -1, RetryDelay: -1, RetryJitter: -1})
	got := m.Options()
	if got.TTL != 5*time.Second || got.RetryCount != 0 || got.RetryDelay != 0 || got.RetryJitter != 0 {
		t.Errorf("Options() = %+v", got)
	}
	def := DefaultOptions()
	if def.RetryCount != 10 || def.RetryDelay != 200*time.Millisecond || def.RetryJitter != 200*time.Millisecond {
		t.Errorf("DefaultOptions() = %+v", def)
	}
}

func TestWithLock(t *testing.T) {
	ctx := t.Context()

	t.Run("runs and releases", func(t *testing.T) {
		p := NewLocal()
		m := NewManager(p, fastOptions())
		called := false
		if err := m.WithLock(ctx, "locks:test:a", func(ctx context.Context) error {
			called = true
			if _, ok := ctx.Deadline(); !ok {
				t.Error("operation context has no deadline")
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if !called {
			t.Fatal("fn not called")
		}
		if len(p.held) != 0 {
			t.Errorf("lock still held: %v", p.held)
		}
	})

	t.Run("releases on error", func(t *testing.T) {
		p := NewLocal()
		m := NewManager(p, fastOptions())
		want := errors.New("boom")
		if err := m.WithLock(ctx, "r", func(context.Context) error { return want }); !errors.Is(err, want) {
			t.Errorf("WithLock() error = %v, want %v", err, want)
		}
		if len(p.held) != 0 {
			t.Errorf("lock still held: %v", p.held)
		}
	})

	t.Run("releases on panic", func(t *testing.T) {
		p := NewLocal()
		m := NewManager(p, fastOptions())
		func() {
			defer func() {
				if recover() == nil {
					t.Error("panic was swallowed")
				}
			}()
			_ = m.WithLock(ctx, "r", func(context.Context) error { panic("boom") })
		}()
		if len(p.held) != 0 {
			t.Errorf("lock still held: %v", p.held)
		}
	})

	t.Run("contention exhausts retries", func(t *testing.T) {
		p := NewLocal()
		if ok, _ := p.TryAcquire(ctx, "r", "other", time.Minute); !ok {
			t.Fatal("setup failed")
		}
		m := NewManager(p, fastOptions())
		called := false
		err := m.WithLock(ctx, "r", func(context.Context) error {
			called = true
			return nil
		})
		var ae *AcquireError
		if !errors.As(err, &ae) || !errors.Is(err, ErrNotAcquired) {
			t.Fatalf("WithLock() error = %v, want *AcquireError", err)
		}
		if ae.Attempts != 3 || ae.Resource != "r" {
			t.Errorf("AcquireError = %+v", ae)
		}
		if called {
			t.Error("fn ran without the lock")
		}
		if p.held["r"].token != "other" {
			t.Error("holder's lock was released")
		}
	})

	t.Run("provider errors are wrapped", func(t *testing.T) {
		want := errors.New("network down")
		p := &failingProvider{err: want}
		err := NewManager(p, fastOptions()).WithLock(ctx, "r", func(context.Context) error { return nil })
		if !errors.Is(err, ErrNotAcquired) || !errors.Is(err, want) {
			t.Errorf("WithLock() error = %v", err)
		}
		if p.calls.Load() != 3 {
			t.Errorf("provider called %d times, want 3", p.calls.Load())
		}
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		p := NewLocal()
		_, _ = p.TryAcquire(ctx, "r", "other", time.Minute)
		m := NewManager(p, Options{TTL: time.Second, RetryCount: 1000, RetryDelay: 10 * time.Millisecond})
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := m.WithLock(cctx, "r", func(context.Context) error { return nil })
		if !errors.Is(err, ErrNotAcquired) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WithLock() error = %v", err)
		}
	})

	t.Run("operation context expires with ttl", func(t *testing.T) {
		m := NewManager(NewLocal(), fastOptions())
		err := m.WithLockTTL(ctx, "r", 20*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WithLockTTL() error = %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		opts := fastOptions()
		opts.AttemptsPerSecond = 1000
		m := NewManager(NewLocal(), opts)
		for range 5 {
			if err := m.WithLock(ctx, "r", func(context.Context) error { return nil }); err != nil {
				t.Fatal(err)
			}
		}
	})
}

func TestWithLockMutualExclusion(t *testing.T) {
	m := NewManager(NewLocal(), Options{TTL: 5 * time.Second, RetryCount: 1000, RetryDelay: time.Millisecond, RetryJitter: time.Millisecond})
	var inside, peak atomic.Int32
	counter := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			err := m.WithLock(t.Context(), "locks:test:shared", func(context.Context) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				c := counter
				time.Sleep(time.Millisecond)
				counter = c + 1
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()
	if counter != 8 {
		t.Errorf("counter = %d, want 8", counter)
	}
	if peak.Load() != 1 {
		t.Errorf("%d holders at once", peak.Load())
	}
}

func TestLocal(t *testing.T) {
	ctx := t.Context()
	now := time.Unix(1000, 0)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	if ok, _ := l.TryAcquire(ctx, "r", "a", time.Second); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := l.TryAcquire(ctx, "r", "b", time.Second); ok {
		t.Fatal("second holder acquired a live lease")
	}
	if ok, _ := l.TryAcquire(ctx, "other", "b", time.Second); !ok {
		t.Fatal("resources are not independent")
	}
	if err := l.Release(ctx, "r", "b"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Release(wrong token) = %v", err)
	}
	now = now.Add(2 * time.Second)
	if ok, _ := l.TryAcquire(ctx, "r", "b", time.Second); !ok {
		t.Fatal("expired lease was not taken over")
	}
	if err := l.Release(ctx, "r", "a"); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale holder released the new lease: %v", err)
	}
	if err := l.Release(ctx, "r", "b"); err != nil {
		t.Errorf("Release() = %v", err)
	}
}
