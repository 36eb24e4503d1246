package common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidInputShape reports paired inputs whose leading dimensions disagree.
	ErrInvalidInputShape = errors.New("invalid input shape")
	// ErrInvalidGroundTruth reports a batch item without any valid ground-truth region.
	ErrInvalidGroundTruth = errors.New("invalid ground truth")
	// ErrSamplingExhaustion reports a sample request larger than the pool it draws from.
	ErrSamplingExhaustion = errors.New("sampling exhaustion")
	// ErrInvalidRegion reports a region whose upper corner lies below its lower corner.
	ErrInvalidRegion = errors.New("invalid region")
)

// BatchError ties a failure to the mini-batch item that caused it.
type BatchError struct {
	BatchIndex int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.BatchIndex, e.Err)
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *BatchError) Unwrap() error {
	return e.Err
}

// Cause satisfies github.com/pkg/errors.Cause.
func (e *BatchError) Cause() error {
	return e.Err
}

// BatchIndexOf extracts the offending batch item from err.
//
// Returns:
//   - The batch index and true when err wraps a *BatchError.
func BatchIndexOf(err error) (int, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be.BatchIndex, true
	}
	return -1, false
}
