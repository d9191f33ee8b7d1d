package transport

import "errors"

var (
	ErrTimeout          = errors.New("transport: receive timeout")
	ErrUnknownPeer      = errors.New("transport: unknown peer")
	ErrTransportFailure = errors.New("transport: datagram i/o failed")
	ErrClosed           = errors.New("transport: closed")
)
