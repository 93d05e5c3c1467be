package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotFound is returned when no flow exists for a FlowID.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowTerminal is returned when an event targets a completed, failed
	// or killed flow. The event is discarded.
	ErrFlowTerminal = errors.New("flow is terminal")

	// ErrFlowParked is returned for events addressed to a flow that is
	// waiting for manual intervention (see Manager.RetryFlow).
	ErrFlowParked = errors.New("flow is parked")

	// ErrUnknownLogic is returned when a checkpoint or StartFlow names a
	// Logic that is not registered.
	ErrUnknownLogic = errors.New("unknown flow logic")

	// ErrMaxAttemptsExceeded is returned when an external operation keeps
	// failing transiently past the retry policy's MaxAttempts.
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

	// ErrBackpressureTimeout is returned when the run queue stays full beyond
	// the configured backpressure timeout.
	ErrBackpressureTimeout = errors.New("backpressure timeout: run queue full")

	// ErrManagerStopped is returned for calls made after Stop, and used to
	// nack events still queued when the manager stops.
	ErrManagerStopped = errors.New("flow manager stopped")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrUseCaseNotAllowed is returned when a codec is used outside the use
	// cases it was configured for.
	ErrUseCaseNotAllowed = errors.New("codec use case not allowed")

	// ErrStepBudgetExceeded routes logic that never suspends to Failed.
	ErrStepBudgetExceeded = errors.New("step budget exceeded in a single transition")
)

// Error codes carried by FlowError and ErrorInfo.
const (
	CodeBusiness           = "BUSINESS_FAILURE"
	CodePanic              = "LOGIC_PANIC"
	CodeKilled             = "KILLED"
	CodeMaxAttempts        = "MAX_ATTEMPTS_EXCEEDED"
	CodeStepBudget         = "STEP_BUDGET_EXCEEDED"
	CodeOperationTimeout   = "OPERATION_TIMEOUT"
	CodeInvalidOperation   = "INVALID_OPERATION"
	CodeInvalidInstruction = "INVALID_INSTRUCTION"
	CodeUnknownLogic       = "UNKNOWN_LOGIC"
)

// FlowError is a structured error with a machine-readable code.
type FlowError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// PersistenceError reports that a checkpoint could not be written. The
// transition that produced it was discarded and the flow parked at its last
// durable state.
type PersistenceError struct {
	FlowID  FlowID
	Version int64
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist checkpoint v%d for %s: %v", e.Version, e.FlowID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptCheckpointError reports a checkpoint that could not be decoded.
// Such flows are parked at startup, never resumed and never dropped.
type CorruptCheckpointError struct {
	FlowID FlowID
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	if e.FlowID == "" {
		return fmt.Sprintf("corrupt checkpoint: %v", e.Err)
	}
	return fmt.Sprintf("corrupt checkpoint for %s: %v", e.FlowID, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as transient: the external operation that returned it
// will be retried with backoff instead of failing the flow.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ErrorInfo is the serializable form of an error stored in checkpoints,
// events and flow states.
type ErrorInfo struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Transient bool   `json:"transient,omitempty"`
}

// Error implements the error interface so an ErrorInfo can be returned as is.
func (e *ErrorInfo) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewErrorInfo captures err. Returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		cp := *info
		cp.Transient = cp.Transient || IsTransient(err)
		return &cp
	}
	out := &ErrorInfo{Message: err.Error(), Transient: IsTransient(err)}
	var fe *FlowError
	if errors.As(err, &fe) {
		out.Code = fe.Code
		out.Message = fe.Message
	}
	return out
}
