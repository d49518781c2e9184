package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorkflowType is returned when a workflow type is not registered
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrInvalidDefinition is returned when a definition violates a structural invariant
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrDuplicateWorkflowType is returned when a workflow type is registered twice
	ErrDuplicateWorkflowType = errors.New("duplicate workflow type")

	// ErrInstanceNotFound is returned when no instance exists with the given ID
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrDuplicateActiveInstance is returned when the reference already has an active instance
	ErrDuplicateActiveInstance = errors.New("active workflow instance already exists for reference")

	// ErrWorkflowNotActive is returned when an operation needs an active instance
	ErrWorkflowNotActive = errors.New("workflow instance is not active")

	// ErrUnknownAction is returned when an action is not mapped for the workflow type
	ErrUnknownAction = errors.New("unknown action")

	// ErrIllegalTransition is returned when the current stage is not a predecessor of the target
	ErrIllegalTransition = errors.New("illegal stage transition")

	// ErrForbidden is returned when the actor lacks the role or permission for the target stage
	ErrForbidden = errors.New("insufficient permission for stage")

	// ErrConcurrentModification is returned when the instance moved while the transition was in flight
	ErrConcurrentModification = errors.New("workflow instance was modified concurrently")

	// ErrHandlerFailed is returned when a domain handler fails during dispatch
	ErrHandlerFailed = errors.New("action handler failed")

	// ErrAuditWriteFailed is returned when a transition record cannot be stored
	ErrAuditWriteFailed = errors.New("audit trail write failed")

	// ErrDuplicateHandler is returned when a (type, action) pair already has a handler
	ErrDuplicateHandler = errors.New("duplicate action handler")

	// ErrInvalidRequest is returned when the request data misses keys the action requires
	ErrInvalidRequest = errors.New("invalid request")
)

// HandlerFailedError carries the reason a domain handler gave for failing
type HandlerFailedError struct {
	Reason string
	Err    error
}

func (e *HandlerFailedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrHandlerFailed, e.Reason)
}

// Unwrap exposes both the sentinel and the handler's own error to errors.Is
func (e *HandlerFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHandlerFailed}
	}
	return []error{ErrHandlerFailed, e.Err}
}

// NewHandlerFailed wraps a handler error
func NewHandlerFailed(err error) *HandlerFailedError {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &HandlerFailedError{Reason: reason, Err: err}
}

// ErrorKind names an error category callers can turn into a specific message
type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindUnknownWorkflowType     ErrorKind = "UnknownWorkflowType"
	KindInvalidDefinition       ErrorKind = "InvalidDefinition"
	KindDuplicateWorkflowType   ErrorKind = "DuplicateWorkflowType"
	KindInstanceNotFound        ErrorKind = "InstanceNotFound"
	KindDuplicateActiveInstance ErrorKind = "DuplicateActiveInstance"
	KindWorkflowNotActive       ErrorKind = "WorkflowNotActive"
	KindUnknownAction           ErrorKind = "UnknownAction"
	KindIllegalTransition       ErrorKind = "IllegalTransition"
	KindForbidden               ErrorKind = "Forbidden"
	KindConcurrentModification  ErrorKind = "ConcurrentModification"
	KindHandlerFailed           ErrorKind = "HandlerFailed"
	KindAuditWriteFailed        ErrorKind = "AuditWriteFailed"
	KindDuplicateHandler        ErrorKind = "DuplicateHandler"
	KindInvalidRequest          ErrorKind = "InvalidRequest"
	KindInternal                ErrorKind = "Internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	// Audit failures take precedence: they can wrap a store error of any other kind.
	{ErrAuditWriteFailed, KindAuditWriteFailed},
	{ErrHandlerFailed, KindHandlerFailed},
	{ErrUnknownWorkflowType, KindUnknownWorkflowType},
	{ErrInvalidDefinition, KindInvalidDefinition},
	{ErrDuplicateWorkflowType, KindDuplicateWorkflowType},
	{ErrInstanceNotFound, KindInstanceNotFound},
	{ErrDuplicateActiveInstance, KindDuplicateActiveInstance},
	{ErrWorkflowNotActive, KindWorkflowNotActive},
	{ErrUnknownAction, KindUnknownAction},
	{ErrIllegalTransition, KindIllegalTransition},
	{ErrForbidden, KindForbidden},
	{ErrConcurrentModification, KindConcurrentModification},
	{ErrDuplicateHandler, KindDuplicateHandler},
	{ErrInvalidRequest, KindInvalidRequest},
}

// KindOf classifies err. Unrecognised errors are KindInternal; nil is KindNone
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// IsRetriable reports whether the caller may reload the instance and try again
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
