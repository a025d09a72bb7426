package reasoning

import (
	"context"
	"errors"
	"fmt"
)

// Reasoning errors.
var (
	// ErrNoAPIKey is returned when a provider requiring credentials is
	// constructed without any.
	ErrNoAPIKey = errors.New("API key not configured")

	// ErrEmptyResponse is returned when the service answers with no
	// content blocks at all.
	ErrEmptyResponse = errors.New("empty response from reasoning service")
)

// TransientError marks a failure worth retrying: rate limits, overloaded
// upstreams, dropped connections. Anything not wrapped in TransientError is
// treated as fatal by the retry policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether the error is retryable. Context cancellation
// is never transient: a cancelled run must not retry.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
