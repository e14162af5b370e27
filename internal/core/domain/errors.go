package domain

import "errors"

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrMessageNotFound     = errors.New("queue message not found")
	ErrInvalidDeviceID     = errors.New("invalid device id")
	ErrInvalidTimeout      = errors.New("heartbeat timeout must be positive")
	ErrMalformedTransition = errors.New("malformed transition payload")
)
