package usecase

import "fmt"

type ErrorCode string

const (
	ErrorValidation  ErrorCode = "VALIDATION_ERROR"
	ErrorProvider    ErrorCode = "PROVIDER_ERROR"
	ErrorTransport   ErrorCode = "TRANSPORT_ERROR"
	ErrorStreamAbort ErrorCode = "STREAM_ABORT"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewValidationError reports a request rejected before any provider call.
func NewValidationError(reason string, err error) *Error {
	return newError(ErrorValidation, reason, err)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
