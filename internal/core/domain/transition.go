package domain

import (
	"encoding/json"
	"fmt"
)

// DelayRecord remembers the outstanding scheduled transition for one device.
// It lives in the delay store and expires shortly after the transition is due.
type DelayRecord struct {
	MessageID   string      `json:"message_id,omitempty"`
	State       OnlineState `json:"state"`
	ScheduledAt int64       `json:"scheduled_at,omitempty"` // unix nanos
}

// PendingTransition is the payload carried by a delayed queue message.
type PendingTransition struct {
	DeviceUUID  string      `json:"device_uuid"`
	NextState   OnlineState `json:"next_state"`
	ScheduledAt int64       `json:"scheduled_at,omitempty"` // unix nanos, matches the DelayRecord written with it
}

// QueueMessage is a message handed out by the delayed queue.
type QueueMessage struct {
	ID           string `json:"id"`
	Payload      []byte `json:"payload"`
	ReceiveCount int64  `json:"receive_count"`
}

// DecodeTransition parses and validates a queue payload.
func DecodeTransition(payload []byte) (*PendingTransition, error) {
	var t PendingTransition
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransition, err)
	}
	if t.DeviceUUID == "" {
		return nil, fmt.Errorf("%w: missing device uuid", ErrMalformedTransition)
	}
	if !t.NextState.Schedulable() {
		return nil, fmt.Errorf("%w: unexpected next state %s", ErrMalformedTransition, t.NextState)
	}
	return &t, nil
}
