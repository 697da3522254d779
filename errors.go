package main

import (
	"errors"
	"fmt"
)

var (
	ErrStreamOffline    = errors.New("stream offline")
	ErrRoomClosed       = errors.New("room closed")
	ErrNotAuthenticated = errors.New("room has no authenticated upstream session")

	// Channel send errors. Never returned out of a broadcast.
	ErrChannelClosed = errors.New("channel closed")
	ErrChannelFull   = errors.New("channel send buffer full")
)

// UpstreamConnectError wraps a failure to establish the upstream session.
type UpstreamConnectError struct {
	StreamID string
	Err      error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream connect %s: %v", e.StreamID, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// TeardownError is logged by the registry; the room slot is freed anyway.
type TeardownError struct {
	StreamID string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.StreamID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// closeReason maps a join failure to the reason sent in the close frame.
func closeReason(err error) string {
	var connectErr *UpstreamConnectError
	switch {
	case errors.Is(err, ErrStreamOffline):
		return "stream offline"
	case errors.As(err, &connectErr):
		return "upstream connect failed"
	case errors.Is(err, ErrRoomClosed):
		return "room closed"
	default:
		return "join failed"
	}
}
