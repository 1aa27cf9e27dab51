package websocket

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrOriginNotAllowed = errors.New("websocket: origin not allowed")
	ErrNoSession        = errors.New("websocket: no session")
	ErrUnknownPath      = errors.New("websocket: unknown path")
	ErrHandlerClosed    = errors.New("websocket: handler closed")
)

// ConnectionAuthError rejects an upgrade request before it is accepted.
// Status is the HTTP status written to the client.
type ConnectionAuthError struct {
	Status int
	Err    error
}

func (e *ConnectionAuthError) Error() string {
	return fmt.Sprintf("websocket: upgrade rejected (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *ConnectionAuthError) Unwrap() error {
	return e.Err
}

func reject(status int, err error) *ConnectionAuthError {
	return &ConnectionAuthError{Status: status, Err: err}
}
