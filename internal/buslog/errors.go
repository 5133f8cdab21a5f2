package buslog

import "errors"

var (
	// ErrClosed is returned by Log after Close.
	ErrClosed = errors.New("buslog: writer closed")

	// ErrUnknownStatus is returned by ParseStatus.
	ErrUnknownStatus = errors.New("buslog: unknown status")
)
