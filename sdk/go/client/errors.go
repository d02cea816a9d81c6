package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrSignOnFailed     = errors.New("sign-on was not acknowledged")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrDuplicateStan    = errors.New("trace number already in flight")
)
