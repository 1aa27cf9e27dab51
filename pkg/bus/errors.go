package bus

import "errors"

var (
	// ErrDisconnected is returned by Publish while the hub link is down
	ErrDisconnected = errors.New("bus: disconnected")

	// ErrUnreachable is returned by Connect when the hub cannot be reached
	// within the dial timeout
	ErrUnreachable = errors.New("bus: hub unreachable")

	// ErrClosed is returned by operations on a closed connection or socket
	ErrClosed = errors.New("bus: closed")

	// ErrRecvTimeout is returned by Receiver.Recv when the deadline passes
	// without a frame
	ErrRecvTimeout = errors.New("bus: receive timeout")

	// ErrInvalidFrame is returned when a frame cannot be decoded
	ErrInvalidFrame = errors.New("bus: invalid frame")

	// ErrUnknownTransport is returned by NewTransport for unregistered names
	ErrUnknownTransport = errors.New("bus: unknown transport")
)
