package transport

import (
	"context"
	"errors"
	"fmt"
)

// Category is the provider level failure category a backend attaches to an error.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotConnected
	CategoryConnectionFailed
	CategoryTimeout
	CategoryNetwork
	CategoryRateLimited
	CategoryServerError
	CategoryAuthenticationFailed
	CategoryPermissionDenied
	CategoryNotFound
	CategoryAlreadyExists
	CategoryQuotaExceeded
	CategoryInvalidPath
	CategoryUnsupported
	CategoryCancelled
)

var categoryNames = map[Category]string{
	CategoryUnknown:              "unknown",
	CategoryNotConnected:         "not_connected",
	CategoryConnectionFailed:     "connection_failed",
	CategoryTimeout:              "timeout",
	CategoryNetwork:              "network",
	CategoryRateLimited:          "rate_limited",
	CategoryServerError:          "server_error",
	CategoryAuthenticationFailed: "authentication_failed",
	CategoryPermissionDenied:     "permission_denied",
	CategoryNotFound:             "not_found",
	CategoryAlreadyExists:        "already_exists",
	CategoryQuotaExceeded:        "quota_exceeded",
	CategoryInvalidPath:          "invalid_path",
	CategoryUnsupported:          "unsupported",
	CategoryCancelled:            "cancelled",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Sentinel errors matched by errors.Is against *Error values of the same category.
var (
	ErrNotFound     = errors.New("not found")
	ErrCancelled    = errors.New("transfer cancelled")
	ErrNotConnected = errors.New("not connected")
	ErrUnsupported  = errors.New("operation not supported")
)

// Error is a backend failure with an operation, the path involved and a category.
type Error struct {
	Op       string
	Path     string
	Category Category
	Err      error
}

// NewError wraps err. A nil err yields a nil *Error.
func NewError(op, path string, category Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Category: category, Err: err}
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the category sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Category == CategoryNotFound
	case ErrCancelled:
		return e.Category == CategoryCancelled
	case ErrNotConnected:
		return e.Category == CategoryNotConnected
	case ErrUnsupported:
		return e.Category == CategoryUnsupported
	}
	return false
}

// CategoryOf returns the category of the first *Error in err's chain.
func CategoryOf(err error) (Category, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Category, true
	}
	return CategoryUnknown, false
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCancelled reports whether err came from a cancelled transfer or context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
