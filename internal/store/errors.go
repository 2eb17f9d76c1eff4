package store

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded write matched no row because
	// the stored state changed since it was read
	ErrConflict = errors.New("conflicting concurrent update")

	ErrDriverNotFound   = errors.New("driver not found")
	ErrDriverInactive   = errors.New("driver is not active")
	ErrDriverUnverified = errors.New("driver is not verified")
	ErrDriverAtCapacity = errors.New("driver is at capacity")
)
