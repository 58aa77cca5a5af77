package models

import "errors"

var (
	// ErrNotFound is returned when a requested session, message or metric does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingSessionID is returned when a write needs a session id and none was resolved.
	ErrMissingSessionID = errors.New("session id is required")

	// ErrMissingMessageID is returned when a message write has no message id.
	ErrMissingMessageID = errors.New("message id is required")
)
