package session

import "errors"

var (
	// ErrSessionNotFound is returned by a Store for an unknown or expired id
	ErrSessionNotFound = errors.New("session: not found")

	// ErrConnectionClosed is returned when attaching to a closed connection
	ErrConnectionClosed = errors.New("session: connection closed")

	// ErrContextAttached is returned when a connection already has a client
	// context
	ErrContextAttached = errors.New("session: client context already attached")

	// ErrManagerClosed is returned by Accept after Shutdown
	ErrManagerClosed = errors.New("session: manager closed")
)
