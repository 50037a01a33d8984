package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeConfiguration         = "CONFIGURATION_ERROR"
	ErrCodeCapability            = "CAPABILITY_ERROR"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeExpression            = "EXPRESSION_ERROR"

	// Issue codes reported while loading a flow.
	ErrCodeMissingNode   = "MISSING_NODE"
	ErrCodeDuplicateNode = "DUPLICATE_NODE"
	ErrCodeDanglingEdge  = "DANGLING_EDGE"
	ErrCodeDuplicateEdge = "DUPLICATE_EDGE"
	ErrCodeUnreachable   = "UNREACHABLE_NODE"
	ErrCodeMissingData   = "MISSING_DATA"
	ErrCodeInvalidRange  = "INVALID_RANGE"
)

// CraftError is the structured error type used across autocraft.
type CraftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CraftError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CraftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CraftError.
func NewError(code, message string) *CraftError {
	return &CraftError{Code: code, Message: message}
}

// NewErrorf creates a new CraftError with a formatted message.
func NewErrorf(code, format string, args ...any) *CraftError {
	return &CraftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the offending node ID.
func (e *CraftError) WithNode(nodeID string) *CraftError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *CraftError) WithCause(err error) *CraftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CraftError) WithDetails(details map[string]any) *CraftError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first CraftError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *CraftError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsFatal reports whether err must terminate the whole attempt loop rather
// than just the current step.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeConfiguration, ErrCodeCapabilityUnavailable, ErrCodeValidation:
		return true
	}
	return false
}
