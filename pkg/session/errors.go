package session

import "errors"

var (
	// ErrDial is returned when the websocket endpoint cannot be reached.
	ErrDial = errors.New("voice agent endpoint unreachable")

	// ErrNotConnected is returned when audio is written without an open
	// connection. Capture treats this as a dropped chunk, not a failure.
	ErrNotConnected = errors.New("session not connected")
)
