// Defines the error taxonomy returned by adapters.

package docstore

import (
	"errors"
	"fmt"

	"github.com/maruel/docstore/internal/query"
)

var (
	// ErrUnknownCollection is returned for a collection outside the allow-list.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrLockAcquisitionFailed is returned when a collection lock could not be
	// taken within the retry budget. The call may be retried.
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")
	// ErrValidationFailed is returned when the validator rejects a document.
	// Nothing is written.
	ErrValidationFailed = errors.New("validation failed")
	// ErrDuplicateID is returned when create is given an _id already in use.
	ErrDuplicateID = errors.New("duplicate _id")
	// ErrInvalidPageRequest is returned for a non-positive or non-integer page
	// or page size.
	ErrInvalidPageRequest = query.ErrInvalidPageRequest
	// ErrUnknownBackend is returned by Registry.Get for an unregistered name.
	ErrUnknownBackend = errors.New("unknown backend")
)

// UnknownCollectionError names the rejected collection.
type UnknownCollectionError struct {
	Collection string
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownCollection, e.Collection)
}

// Is reports whether target is ErrUnknownCollection.
func (e *UnknownCollectionError) Is(target error) bool {
	return target == ErrUnknownCollection
}

// LockAcquisitionError names the collection whose lock could not be taken.
type LockAcquisitionError struct {
	Collection string
	Err        error
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("%s for collection %q: %v", ErrLockAcquisitionFailed, e.Collection, e.Err)
}

// Is reports whether target is ErrLockAcquisitionFailed.
func (e *LockAcquisitionError) Is(target error) bool {
	return target == ErrLockAcquisitionFailed
}

func (e *LockAcquisitionError) Unwrap() error {
	return e.Err
}

// ValidationError wraps the validator's rejection.
type ValidationError struct {
	Collection string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s for collection %q: %v", ErrValidationFailed, e.Collection, e.Err)
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
