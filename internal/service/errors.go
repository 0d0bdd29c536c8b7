package service

import "errors"

// Sentinel errors shared across chat operations. Handlers translate these into
// the structured API envelope; nothing below ever crashes a connection.
var (
	// ErrValidation marks malformed or missing input, rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an absent room, message, or user.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied marks a caller that is not a room participant, not the
	// original sender for edit/delete, or lacks an active care connection.
	ErrAccessDenied = errors.New("access denied")
	// ErrConflict marks a duplicate-key race. Room creation resolves it by
	// re-reading the winning row, so callers normally never see it.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable marks a persistence-layer failure. Not retried here;
	// callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)
