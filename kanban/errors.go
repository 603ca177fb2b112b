package kanban

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrUnavailable marks a provider whose circuit is open or whose retries
// were exhausted. Writes fail fast while it persists and the scheduler
// answers no_task with a 60s retry.
var ErrUnavailable = errors.New("kanban provider unavailable")

// IntegrationError wraps a failure talking to a board. StatusCode carries
// the remote HTTP status when one exists; zero means the transport itself
// failed.
type IntegrationError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *IntegrationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("kanban %s: %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("kanban %s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt. 4xx
// responses, including conflicts, are the remote telling us the request is
// wrong; repeating them cannot help.
func (e *IntegrationError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500
}

// Conflict reports whether the remote rejected the write because another
// actor got there first.
func (e *IntegrationError) Conflict() bool {
	return e.StatusCode == 409 || e.StatusCode == 422
}

// NewIntegrationError builds an IntegrationError.
func NewIntegrationError(provider, op string, status int, err error) *IntegrationError {
	return &IntegrationError{Provider: provider, Op: op, StatusCode: status, Err: err}
}

// IsRetryable reports whether err may be retried against the provider.
func IsRetryable(err error) bool {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Retryable()
	}
	// Unknown error shapes are treated as transport failures.
	return true
}

// IsConflict reports whether err is a remote conflict.
func IsConflict(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Conflict()
}

// IsUnavailable reports whether err means the provider cannot be reached at
// all right now.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
