package storage

import "errors"

// ErrNotFound is returned when a requested work order does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrStaleTransition is returned when a status-guarded update matched no
// row: the work order has already left the state the transition requires.
// The persisted state wins; callers must not overwrite it.
var ErrStaleTransition = errors.New("storage: stale transition")
