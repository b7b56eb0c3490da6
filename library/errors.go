package library

import "errors"

// Failure kinds returned by the ledger. Callers compare with errors.Is; the
// wrapped message carries the detail (ISBN, user id, limit).
var (
	ErrNotFound          = errors.New("not found")
	ErrBookNotFound      = notFound("book not found")
	ErrNoActiveLoan      = notFound("no active loan")
	ErrBanned            = errors.New("user is banned from borrowing")
	ErrDuplicateLoan     = errors.New("user already holds a copy of this book")
	ErrLoanLimitExceeded = errors.New("loan limit reached")
	ErrUnavailable       = errors.New("no copies available")
	ErrValidation        = errors.New("validation error")

	// Boundary failures raised by LibraryManager, never by the stores.
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// kindError is a distinct failure that also matches ErrNotFound.
type kindError struct {
	msg string
}

func notFound(msg string) error { return &kindError{msg: msg} }

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == ErrNotFound }
