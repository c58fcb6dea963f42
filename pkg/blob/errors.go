package blob

import (
	"errors"
	"fmt"
)

// Cause classifies a StorageError.
type Cause string

const (
	CauseWriteFailed Cause = "write failed"
	CauseDiskFull    Cause = "disk is full"
	CauseNotFound    Cause = "not found"
	CauseCorrupted   Cause = "corrupted"
)

// Sentinels matched through errors.Is on a *StorageError.
var (
	ErrWriteFailed = errors.New("blob write failed")
	ErrNotFound    = errors.New("blob not found")
	ErrCorrupted   = errors.New("blob corrupted")
)

// StorageError describes a failed blob operation.
type StorageError struct {
	Op    string
	Key   string
	Cause Cause
	Err   error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blob %s %s: %s: %v", e.Op, e.Key, e.Cause, e.Err)
	}
	return fmt.Sprintf("blob %s %s: %s", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is maps causes onto the package sentinels.
func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrWriteFailed:
		return e.Cause == CauseWriteFailed || e.Cause == CauseDiskFull
	case ErrNotFound:
		return e.Cause == CauseNotFound
	case ErrCorrupted:
		return e.Cause == CauseCorrupted
	}
	return false
}
