package fvbus

import "errors"

// Domain errors for the controller bus package.
//
// None of these are fatal. Each one invalidates the cached selection and
// is returned to the caller; the next poll tick is the retry.
var (
	// ErrChannelTimeout is returned when no reply arrived within the read timeout.
	ErrChannelTimeout = errors.New("fvbus: no reply before timeout")

	// ErrChannelCorrupt is returned when a reply was received without its
	// line terminator, or with fill bytes inside the line.
	ErrChannelCorrupt = errors.New("fvbus: corrupt reply")

	// ErrSelectionMismatch is returned when a SELECT reply is not the exact
	// confirmation for the requested controller.
	ErrSelectionMismatch = errors.New("fvbus: selection not confirmed")

	// ErrProtocolMismatch is returned when a READ or SET reply does not have
	// the expected shape.
	ErrProtocolMismatch = errors.New("fvbus: unexpected reply")

	// ErrIdentityMismatch is returned by Ping when the ident register does
	// not match the controller name.
	ErrIdentityMismatch = errors.New("fvbus: controller identity mismatch")

	// ErrChannelClosed is returned when the serial channel has been closed.
	ErrChannelClosed = errors.New("fvbus: channel closed")

	// ErrReadOnly is returned when a command targets a register that cannot
	// be written.
	ErrReadOnly = errors.New("fvbus: register is read-only")

	// ErrInvalidValue is returned when a command payload fails validation.
	ErrInvalidValue = errors.New("fvbus: invalid value")

	// ErrSourceUnavailable is returned by a composite action when one of its
	// source registers could not be read or was empty.
	ErrSourceUnavailable = errors.New("fvbus: source register unavailable")

	// ErrInvalidConfig is returned by New for unusable options.
	ErrInvalidConfig = errors.New("fvbus: invalid configuration")
)
