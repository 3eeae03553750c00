// Package diskspace checks free space on the local filesystem before a
// download writes to it.
package diskspace

import (
	"errors"
	"fmt"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Dir            string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space in %s: need %.2f MB, have %.2f MB available",
		e.Dir, requiredMB, availableMB)
}

// Check returns an InsufficientSpaceError when dir's filesystem has less than
// requiredBytes*margin free. dir must exist. When free space cannot be
// determined (network or virtual filesystems) Check returns nil and the write
// is left to fail on its own.
func Check(dir string, requiredBytes int64, margin float64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, ok := available(dir)
	if !ok {
		return nil
	}
	required := int64(float64(requiredBytes) * margin)
	if available < required {
		return &InsufficientSpaceError{
			Dir:            dir,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// Available returns the bytes available to the current user on dir's
// filesystem, or 0 if unknown.
func Available(dir string) int64 {
	n, ok := available(dir)
	if !ok {
		return 0
	}
	return n
}

// IsInsufficientSpace reports whether err is or wraps an InsufficientSpaceError.
func IsInsufficientSpace(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
