package core

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreWrite is returned when the document store call failed or timed
	// out. The batch is kept and retried on the next trigger.
	ErrStoreWrite = errors.New("store write failed")

	// ErrSubmissionAfterShutdown is returned by Submit once draining has begun.
	ErrSubmissionAfterShutdown = errors.New("submission after shutdown")

	// ErrCompilation is returned for a malformed path or cap handed to the
	// update compiler.
	ErrCompilation = errors.New("invalid update compilation")

	// ErrBatchSaturated is returned when a batch is still full after a failed
	// flush and the retry also failed. The submitted record was not accepted.
	ErrBatchSaturated = errors.New("batch is full and could not be flushed")
)

// FlushError describes a failed flush of one key. It matches both
// ErrStoreWrite and the underlying store error with errors.Is.
type FlushError struct {
	Key     string
	Pending int
	FlushID string
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %s for key %s (%d pending records): %v", e.FlushID, e.Key, e.Pending, e.Err)
}

// Unwrap exposes ErrStoreWrite and the store error.
func (e *FlushError) Unwrap() []error {
	return []error{ErrStoreWrite, e.Err}
}

// PathError attributes a store failure to a single document field.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}
