package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateReading means a reading with the same (device, timestamp)
	// already exists. Idempotent no-op, never fatal.
	ErrDuplicateReading = errors.New("duplicate reading for device and timestamp")

	// ErrBatchTooLarge means a sync batch exceeded the configured cap.
	ErrBatchTooLarge = errors.New("sync batch exceeds maximum size")

	// ErrChecksumMismatch means the caller-supplied batch checksum did not
	// match the payload; nothing from the batch was ingested.
	ErrChecksumMismatch = errors.New("batch checksum mismatch")
)

// RangeError is a structured out-of-range validation failure.
type RangeError struct {
	Field string
	Got   float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s out of range: got %.3f, expected %.3f..%.3f", e.Field, e.Got, e.Min, e.Max)
}

// MismatchError is a power-calculation consistency failure: reported power
// deviates from voltage*current beyond the tolerance.
type MismatchError struct {
	Got       float64
	Expected  float64
	Tolerance float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("power calculation mismatch: got %.3fW, expected %.3fW (tolerance %.0f%%)",
		e.Got, e.Expected, e.Tolerance*100)
}
