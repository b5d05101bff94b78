package client

import "errors"

var (
	// ErrNotConnected is returned by operations that require an
	// established connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrClientClosed is returned by Connect after Close has been called.
	ErrClientClosed = errors.New("client is closed")
)
