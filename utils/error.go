package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Engine error taxonomy. File- and batch-level errors abort only their own
// submission; record-level errors never abort sibling records.
var (
	// ErrorDuplicateFile: identical content bytes already ingested for the
	// same source kind (file-level).
	ErrorDuplicateFile = errors.New("duplicate file content")

	// ErrorSchemaMismatch: classifier confidence below threshold (batch-level).
	ErrorSchemaMismatch = errors.New("file columns do not match any known template")

	// ErrorValidation: a row is missing required fields (record-level).
	ErrorValidation = errors.New("record failed required-field validation")

	// ErrorMatchAmbiguity: multiple equally ranked merge candidates (record-level).
	ErrorMatchAmbiguity = errors.New("ambiguous match candidates")

	// ErrorFieldConflict: incoming value contradicts an existing non-null
	// value beyond tolerance (record-level, existing value kept).
	ErrorFieldConflict = errors.New("conflicting field value")

	// ErrorConcurrentUpdate: optimistic-concurrency loss; retried by the
	// matching engine up to a bound, then escalated.
	ErrorConcurrentUpdate = errors.New("unified order was modified concurrently")

	// ErrorDuplicateKey: unique-key insert race on order_number; the loser
	// retries as a merge against the now-existing order.
	ErrorDuplicateKey = errors.New("order number already exists")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
