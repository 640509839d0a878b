package messaging

import (
	"errors"
	"fmt"
)

// ErrOperationFailed matches every error returned by Coordinator operations.
var ErrOperationFailed = errors.New("messaging: operation failed")

// Op names a coordinator operation.
type Op string

const (
	OpMergeIncoming         Op = "merge_incoming"
	OpSendText              Op = "send_text"
	OpSendAttachment        Op = "send_attachment"
	OpUpdateSubmittedValues Op = "update_submitted_values"
)

// Error is the failure returned by a coordinator operation. It keeps the
// original cause for errors.Is/As and for its message.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("messaging: %s failed", e.Op)
	}
	return fmt.Sprintf("messaging: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is ErrOperationFailed.
func (e *Error) Is(target error) bool {
	return target == ErrOperationFailed
}

func newError(op Op, err error) *Error {
	return &Error{Op: op, Err: err}
}
