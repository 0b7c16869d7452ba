package thread

import "errors"

var (
	// ErrNotFound is returned when no thread exists with the requested ID.
	ErrNotFound = errors.New("thread not found")

	// ErrVersionConflict is returned by Commit when the thread was modified
	// after it was checked out. The caller should re-check out the thread
	// and retry the turn against the fresh state.
	ErrVersionConflict = errors.New("thread modified concurrently")

	// ErrInvalidRole is returned when a turn carries a role outside the
	// persisted set.
	ErrInvalidRole = errors.New("invalid turn role")
)
