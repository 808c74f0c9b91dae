package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrJobNotFound  = errors.New("job not found")
	ErrTemporary    = errors.New("temporary failure")

	// Item-level failure kinds. They never escape a job.
	ErrDownload      = errors.New("download failed")
	ErrExtraction    = errors.New("extraction failed")
	ErrNormalization = errors.New("normalization failed")

	// ErrBatch marks a failure that escaped per-item isolation.
	ErrBatch = errors.New("batch failed")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
