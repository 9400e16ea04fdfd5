//go:build !unix

package lock

import (
	"context"
	"errors"
	"time"
)

var errFlockUnsupported = errors.New("flock is not supported on this platform")

// Flock is unavailable on this platform.
type Flock struct{}

// NewFlock always fails on this platform.
func NewFlock(string) (*Flock, error) {
	return nil, errFlockUnsupported
}

// TryAcquire implements Provider.
func (*Flock) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errFlockUnsupported
}

// Release implements Provider.
func (*Flock) Release(context.Context, string, string) error {
	return errFlockUnsupported
}
