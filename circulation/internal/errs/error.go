package errs

import (
	"errors"
)

// Kinds. Every error returned by the circulation core matches exactly one of them with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")
)

var (
	ErrBookNotFound = newError(ErrNotFound, "book not found")
	ErrUserNotFound = newError(ErrNotFound, "user not found")
	ErrLoanNotFound = newError(ErrNotFound, "loan not found")

	ErrNoCopiesAvailable      = newError(ErrConflict, "no copies available for this book")
	ErrDuplicateLoan          = newError(ErrConflict, "user already has this book issued")
	ErrAlreadyReturned        = newError(ErrConflict, "book already returned")
	ErrQuantityBelowOpenLoans = newError(ErrConflict, "quantity is below the number of open loans")

	ErrInvalidID   = newError(ErrValidation, "invalid id")
	ErrInvalidDate = newError(ErrValidation, "invalid date")
)

type kindError struct {
	kind error
	msg  string
}

func newError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string {
	return e.msg
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// Validation wraps a caller mistake so that it matches ErrValidation.
func Validation(msg string) error {
	return newError(ErrValidation, msg)
}
