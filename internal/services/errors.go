package services

import (
	"errors"
	"fmt"
)

// Domain errors surfaced by the ledger. All of them are recoverable and map
// to 4xx responses; none should crash the process.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrLoanLimitExceeded   = errors.New("you have crossed your loan limits")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrSelfTransfer        = errors.New("cannot transfer to the same account")
	ErrLoanNotApproved     = errors.New("loan has not been approved")
	ErrLoanAlreadyPaid     = errors.New("loan has already been repaid")
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransientConflict means concurrent updates exhausted the bounded
	// retry budget; the caller may retry the whole request.
	ErrTransientConflict = errors.New("transient conflict, please retry")
)

// ValidationError is a rule rejection produced before any mutation is
// attempted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a rule rejection rather than an
// engine failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
