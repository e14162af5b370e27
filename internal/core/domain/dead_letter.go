package domain

import "time"

// DeadLetter is a queue message the consumer discarded as unusable.
type DeadLetter struct {
	Message     *QueueMessage `json:"message"`
	FailureTime time.Time     `json:"failure_time"`
	Reason      string        `json:"reason"`
}
