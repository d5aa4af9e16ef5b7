// Package faults classifies failures crossing component boundaries into a
// small category set with per-category retryability.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Category identifies the failure class of an Error.
type Category string

const (
	Auth          Category = "AUTH"
	RateLimited   Category = "RATE_LIMITED"
	Timeout       Category = "TIMEOUT"
	Service       Category = "SERVICE"
	InvalidInput  Category = "INVALID_INPUT"
	Configuration Category = "CONFIGURATION"
	NotFound      Category = "NOT_FOUND"
	Internal      Category = "INTERNAL"
)

// Retryable reports whether failures of this category are worth retrying
// with backoff. Individual errors may override this via WithRetryable.
func (c Category) Retryable() bool {
	switch c {
	case RateLimited, Timeout, Service:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Construct with New, Errorf, or Wrap.
type Error struct {
	Category Category
	Message  string
	Cause    error
	Context  string

	retryable *bool
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Context != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Context)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this specific error should be retried.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.Category.Retryable()
}

// New returns an Error with the given category and message.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Errorf returns an Error with a formatted message.
func Errorf(category Category, format string, args ...interface{}) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error that wraps cause. A nil cause yields a plain Error.
func Wrap(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

// WithContext attaches a free-form context string and returns the error.
func (e *Error) WithContext(context string) *Error {
	e.Context = context
	return e
}

// WithRetryable overrides the category default for this error instance.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = &retryable
	return e
}

// CategoryOf extracts the category of err. Context cancellation and deadline
// errors map to Timeout; unclassified errors map to Internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
