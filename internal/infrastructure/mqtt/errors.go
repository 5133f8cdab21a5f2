package mqtt

import "errors"

// Errors returned by the client. Wrapped errors keep the sentinel for
// errors.Is.
var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned by Connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic, or a wildcard topic on publish.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
