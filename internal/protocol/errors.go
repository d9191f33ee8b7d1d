package protocol

import "errors"

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrCapacityExceeded = errors.New("protocol: element count exceeds capacity")
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrTrailingBytes    = errors.New("protocol: trailing bytes after message")
	ErrNilMessage       = errors.New("protocol: nil message")
	ErrUnsupported      = errors.New("protocol: unsupported message")
)
