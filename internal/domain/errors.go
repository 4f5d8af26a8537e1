package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound = errors.New("not found")

	// ErrUnableToLockProcessor is returned when a processor's advisory lock is
	// already held by another session, or when the tracker table is missing
	// and auto-creation is disabled. No tracker row is touched in either case.
	ErrUnableToLockProcessor = errors.New("unable to lock processor")

	// ErrListenerDied is returned by a poll loop whose notification
	// subscription could not be established or was lost.
	ErrListenerDied = errors.New("notification listener died")

	// ErrPositionChanged is returned by a conditional position update when
	// the recorded position moved since it was read, e.g. after a reset.
	ErrPositionChanged = errors.New("processor position changed concurrently")

	ErrInvalidTableName     = errors.New("invalid tracker table name")
	ErrInvalidProcessorName = errors.New("processor name must be between 1 and 255 characters")
	ErrInvalidEventType     = errors.New("event type must not be empty")
	ErrInvalidAggregateID   = errors.New("aggregate id must not be empty")
	ErrInvalidEventBody     = errors.New("event body must be a JSON object")
	ErrBatchTooLarge        = errors.New("batch exceeds maximum of 1000 events")
	ErrBatchEmpty           = errors.New("batch must contain at least one event")
)
