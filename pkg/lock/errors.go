package lock

import "errors"

var (
	// ErrLockHeld is returned when any requested key is held by another,
	// unexpired lease. Callers treat it as "someone else is doing the work".
	ErrLockHeld = errors.New("lock: held by another holder")

	// ErrLockLost is returned by Extend and Release when the lease expired or
	// was taken over since it was granted
	ErrLockLost = errors.New("lock: lease lost")

	// ErrNotHeld is returned by Inspect for a key with no unexpired lease
	ErrNotHeld = errors.New("lock: not held")

	// ErrInvalidRequest is returned for empty keys or a non-positive TTL
	ErrInvalidRequest = errors.New("lock: invalid request")
)
