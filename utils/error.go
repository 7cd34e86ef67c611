package utils

import "errors"

// Error categories surfaced by the managers. Callers match them with errors.Is.
var (
	// ErrorRecordNotFound covers both a missing row and a row filtered out
	// by the actor's scope; callers must not be able to tell them apart.
	ErrorRecordNotFound    = errors.New("record not found")
	ErrorUnauthorized      = errors.New("unauthorized")
	ErrorTransactionFailed = errors.New("transaction failed")
	ErrorValidation        = errors.New("validation failed")
	// ErrorConflict means another request holds the record for update.
	ErrorConflict          = errors.New("record is being updated by another request")
)

// IsDomainError reports whether err already belongs to a category that must
// pass through a transaction boundary unchanged.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrorRecordNotFound) ||
		errors.Is(err, ErrorUnauthorized) ||
		errors.Is(err, ErrorValidation) ||
		errors.Is(err, ErrorConflict)
}
