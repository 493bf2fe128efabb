package utils

import "fmt"

// TapeError is a classified error. Two TapeErrors match with errors.Is when
// their codes are equal, so callers compare against the Err* classes below.
type TapeError struct {
	Code    string
	Message string
}

func (e *TapeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TapeError) Is(target error) bool {
	t, ok := target.(*TapeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of the class carrying message.
func (e *TapeError) WithMessage(message string) *TapeError {
	return &TapeError{Code: e.Code, Message: message}
}

func (e *TapeError) WithMessagef(format string, args ...any) *TapeError {
	return &TapeError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidArgument  = &TapeError{Code: "E_INVALID_ARGUMENT"}
	ErrNotFound         = &TapeError{Code: "E_NOT_FOUND"}
	ErrPermissionDenied = &TapeError{Code: "E_PERMISSION_DENIED"}
	// operation not allowed in the current state
	ErrInvalidState   = &TapeError{Code: "E_INVALID_STATE"}
	ErrWriteProtected = &TapeError{Code: "E_WRITE_PROTECTED"}
	ErrRewindRequired = &TapeError{Code: "E_REWIND_REQUIRED"}
	ErrDecode         = &TapeError{Code: "E_DECODE"}
	ErrInternal       = &TapeError{Code: "E_INTERNAL"}
)
