package broker

import "errors"

var (
	// ErrStopped is returned by Subscribe and Publish after Stop
	ErrStopped = errors.New("broker: stopped")

	// ErrUnknownSubscription is returned by Unsubscribe for an id that is not
	// subscribed
	ErrUnknownSubscription = errors.New("broker: unknown subscription")

	// ErrInvalidTopic is returned for an empty topic or nil handler
	ErrInvalidTopic = errors.New("broker: invalid topic")
)
