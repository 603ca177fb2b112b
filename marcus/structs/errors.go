package structs

import (
	"errors"
	"fmt"
)

// Wire error codes. Every error a tool handler returns carries exactly one
// of these so agents can branch on it.
const (
	ErrCodeNoActiveProject    = "NO_ACTIVE_PROJECT"
	ErrCodeAgentNotRegistered = "AGENT_NOT_REGISTERED"
	ErrCodeTaskNotFound       = "TASK_NOT_FOUND"
	ErrCodeTaskLeaseConflict  = "TASK_LEASE_CONFLICT"
	ErrCodeNotTaskOwner       = "NOT_TASK_OWNER"
	ErrCodeKanbanUnavailable  = "KANBAN_UNAVAILABLE"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// CodedError is a business error with a wire code and an optional hint the
// agent can act on. Integration failures are translated into one of these at
// the endpoint boundary; they never unwind into the transport.
type CodedError struct {
	Code    string
	Message string
	Hint    string
}

func (e *CodedError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCodedError returns a CodedError with the given code.
func NewCodedError(code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches an actionable hint and returns the error.
func (e *CodedError) WithHint(hint string) *CodedError {
	e.Hint = hint
	return e
}

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(format string, args ...interface{}) *CodedError {
	return NewCodedError(ErrCodeValidation, format, args...)
}

// ErrNoActiveProject is returned when a session has not selected a project.
// The dispatcher decorates it with pointers to the project tools.
var ErrNoActiveProject = &CodedError{
	Code:    ErrCodeNoActiveProject,
	Message: "no active project for this session",
	Hint:    "use list_projects to see registered projects, switch_project to select one, or create_project / add_project to register one",
}

// ErrLeaseConflict is returned when a claim races another agent and loses.
var ErrLeaseConflict = &CodedError{
	Code:    ErrCodeTaskLeaseConflict,
	Message: "task already has a live lease",
}

// NewAgentNotRegistered returns the error for an unknown agent ID.
func NewAgentNotRegistered(agentID string) *CodedError {
	e := NewCodedError(ErrCodeAgentNotRegistered, "agent %q is not registered", agentID)
	return e.WithHint("call register_agent first")
}

// NewTaskNotFound returns the error for an unknown task ID.
func NewTaskNotFound(taskID string) *CodedError {
	return NewCodedError(ErrCodeTaskNotFound, "task %q not found", taskID)
}

// NewNotTaskOwner is returned when an agent acts on a task whose lease it
// does not hold.
func NewNotTaskOwner(agentID, taskID string) *CodedError {
	return NewCodedError(ErrCodeNotTaskOwner, "agent %q does not hold the lease on task %q", agentID, taskID)
}

// CodeForErr extracts the wire code from an error, defaulting to
// INTERNAL_ERROR for anything untyped that reached the boundary.
func CodeForErr(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code string) bool {
	return CodeForErr(err) == code
}

// HintForErr extracts the hint from an error, if any.
func HintForErr(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Hint
	}
	return ""
}
