package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotConnected      = errors.New("session not connected")
	ErrTransport         = errors.New("transport failure")
	ErrSessionReset      = errors.New("session reset by upstream")
	ErrSessionRejected   = errors.New("session rejected")
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrLockHeld          = errors.New("lock already held")
	ErrLockLost          = errors.New("lock lost")
)
