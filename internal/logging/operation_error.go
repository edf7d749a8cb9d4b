package logging

import (
	"fmt"

	"github.com/example/sigverify/internal/apperrors"
)

// OperationError annotates an error with the operation and request it failed in.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface. Tagged domain errors keep their kind
// visible in the message.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	prefix := e.Operation
	if e.RequestID != "" {
		prefix = fmt.Sprintf("%s (request_id=%s)", e.Operation, e.RequestID)
	}
	if kind := apperrors.KindOf(e.Err); kind != apperrors.KindInternal {
		return fmt.Sprintf("%s [%s]: %v", prefix, kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with structured context. It returns nil for a nil err.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}
