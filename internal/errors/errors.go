package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so a detailed error built
// with Newf still satisfies errors.Is against the sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

// Newf derives a detailed error from a sentinel, keeping its code.
func Newf(base *AppError, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrOutOfRange    = &AppError{Code: "VALIDATION_001", Message: "value outside plausible range"}
	ErrUnknownMetric = &AppError{Code: "VALIDATION_002", Message: "unknown metric"}
	ErrUnknownKey    = &AppError{Code: "VALIDATION_003", Message: "unknown condition or factor key"}
	ErrInvalidInput  = &AppError{Code: "VALIDATION_004", Message: "invalid input"}

	ErrAlreadyTerminal   = &AppError{Code: "STATE_001", Message: "dose event already terminal"}
	ErrDuplicateSchedule = &AppError{Code: "STATE_002", Message: "schedule already exists"}
	ErrNotTriggered      = &AppError{Code: "STATE_003", Message: "notification is not triggered"}

	ErrTransientStore = &AppError{Code: "STORE_001", Message: "store temporarily unavailable"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// IsValidation reports whether err belongs to the validation family.
func IsValidation(err error) bool {
	return stderrors.Is(err, ErrOutOfRange) ||
		stderrors.Is(err, ErrUnknownMetric) ||
		stderrors.Is(err, ErrUnknownKey) ||
		stderrors.Is(err, ErrInvalidInput) ||
		stderrors.Is(err, ErrBadRequest)
}

// IsStateConflict reports whether err is a state conflict the caller must
// resolve by refreshing its view.
func IsStateConflict(err error) bool {
	return stderrors.Is(err, ErrAlreadyTerminal) ||
		stderrors.Is(err, ErrDuplicateSchedule) ||
		stderrors.Is(err, ErrNotTriggered)
}

// HTTPStatus maps an error onto the status code used by the API layer.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsStateConflict(err):
		return http.StatusConflict
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case stderrors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
