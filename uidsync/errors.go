package uidsync

import "errors"

var (
	// ErrNotConnected is returned when publishing through a disconnected client.
	ErrNotConnected = errors.New("uidsync: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("uidsync: connection failed")

	ErrPublishFailed   = errors.New("uidsync: publish failed")
	ErrSubscribeFailed = errors.New("uidsync: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("uidsync: invalid QoS level (must be 0, 1, or 2)")

	// ErrAlreadyRegistered is returned when two maps share a category.
	ErrAlreadyRegistered = errors.New("uidsync: category already registered")
)
