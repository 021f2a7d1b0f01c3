package workflow

import (
	"errors"
	"fmt"

	"jobboard/models"
)

// Code - стабильный код доменной ошибки, возвращаемый клиенту
type Code string

const (
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeDuplicateBid     Code = "DUPLICATE_BID"
	CodeRoundLimit       Code = "ROUND_LIMIT"
	CodeAlreadyAssigned  Code = "ALREADY_ASSIGNED"
	CodeTermsNotAccepted Code = "TERMS_NOT_ACCEPTED"
	CodeInternal         Code = "INTERNAL"
)

// Error - доменная ошибка с кодом и сообщением для клиента.
// Err хранит исходную причину и никогда не попадает в ответ.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду, чтобы работал errors.Is(err, ErrAlreadyAssigned)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation       = &Error{Code: CodeValidation}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrForbidden        = &Error{Code: CodeForbidden}
	ErrInvalidState     = &Error{Code: CodeInvalidState}
	ErrDuplicateBid     = &Error{Code: CodeDuplicateBid}
	ErrRoundLimit       = &Error{Code: CodeRoundLimit}
	ErrAlreadyAssigned  = &Error{Code: CodeAlreadyAssigned}
	ErrTermsNotAccepted = &Error{Code: CodeTermsNotAccepted}
	ErrInternal         = &Error{Code: CodeInternal}
)

// CodeOf возвращает код ошибки. Неклассифицированные ошибки считаются внутренними.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) error {
	return newError(CodeValidation, format, args...)
}

func notFoundError(format string, args ...any) error {
	return newError(CodeNotFound, format, args...)
}

func forbiddenError(format string, args ...any) error {
	return newError(CodeForbidden, format, args...)
}

func invalidStateError(format string, args ...any) error {
	return newError(CodeInvalidState, format, args...)
}

func internalError(err error) error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

func alreadyAssignedError(job *models.Job) error {
	return newError(CodeAlreadyAssigned, "job %s is already taken (status %s)", job.JobNumber, job.Status)
}
