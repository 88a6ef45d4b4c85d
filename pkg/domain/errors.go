package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidIndex      = errors.New("invalid index")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrCorruptInput      = errors.New("corrupt input")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrOperationFailed   = errors.New("operation failed")
	ErrEmptyQueue        = errors.New("merge queue is empty")
	ErrInvalidState      = errors.New("invalid state")
)

// OperationFailedError reports a page mutation that failed while generating
// its output. The document it targeted is left unchanged.
type OperationFailedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *OperationFailedError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

func (e *OperationFailedError) Is(target error) bool { return target == ErrOperationFailed }

// OperationFailed wraps err as an OperationFailedError.
func OperationFailed(op string, err error) error {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &OperationFailedError{Op: op, Reason: reason, Err: err}
}

// Machine-readable error kinds surfaced over HTTP.
const (
	KindNotFound          = "NOT_FOUND"
	KindInvalidIndex      = "INVALID_INDEX"
	KindInvalidOperation  = "INVALID_OPERATION"
	KindCorruptInput      = "CORRUPT_INPUT"
	KindUnsupportedFormat = "UNSUPPORTED_FORMAT"
	KindOperationFailed   = "OPERATION_FAILED"
	KindEmptyQueue        = "EMPTY_QUEUE"
	KindInvalidState      = "INVALID_STATE"
	KindInternal          = "INTERNAL"
)

// ErrorKind maps err onto the error taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidIndex):
		return KindInvalidIndex
	case errors.Is(err, ErrInvalidOperation):
		return KindInvalidOperation
	case errors.Is(err, ErrCorruptInput):
		return KindCorruptInput
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, ErrEmptyQueue):
		return KindEmptyQueue
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrOperationFailed):
		return KindOperationFailed
	default:
		return KindInternal
	}
}
