package store

import "errors"

var (
	// ErrNotFound is returned when a task, execution, or delivery record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a unique-key violation during insert.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyDelivered is returned by RecordDelivery when a delivered
	// record already exists for the (execution_id, channel) pair.
	// Callers treat it as success.
	ErrAlreadyDelivered = errors.New("already delivered")

	// ErrUnavailable marks transient storage failures. Activities retry it.
	ErrUnavailable = errors.New("storage unavailable")
)
