package lynx

import "errors"

var (
	// ErrNotFound is returned when a record or subscription does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when an optimistic locking check fails.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateID is returned when inserting a record with an ID that already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrBatchTooLarge is returned when a batch exceeds the configured maximum size.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrSessionClosed is returned when committing a session twice.
	ErrSessionClosed = errors.New("session closed")
)
