package consensus

import "errors"

var (
	// ErrLeadershipUnknown is returned while the replica cannot tell who
	// leads, e.g. while the bus is disconnected
	ErrLeadershipUnknown = errors.New("consensus: leadership unknown")

	// ErrAlreadyStarted is returned by Start on a running component
	ErrAlreadyStarted = errors.New("consensus: already started")

	// ErrNotStarted is returned by operations that need Start first
	ErrNotStarted = errors.New("consensus: not started")
)
