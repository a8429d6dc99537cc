package lifecycle

import (
	"errors"
	"fmt"

	"file-converter/internal/store"
)

var (
	// ErrNotFound is returned when no job carries the requested id.
	ErrNotFound = store.ErrNotFound
	// ErrConversionFailed is matched by every ConversionError.
	ErrConversionFailed = errors.New("conversion failed")
	ErrClosed           = errors.New("lifecycle manager closed")
)

// ConversionError reports a run that moved its job to error.
type ConversionError struct {
	JobID int64
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion job %d failed: %v", e.JobID, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversionFailed
}
