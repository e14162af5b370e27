package domain

import "time"

// Device is the system-of-record row whose heartbeat state the engine owns.
type Device struct {
	ID                uint        `json:"id" gorm:"primaryKey"`
	UUID              string      `json:"uuid" gorm:"uniqueIndex;size:64;not null"`
	APIHeartbeatState OnlineState `json:"api_heartbeat_state" gorm:"not null;default:-2;index"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}
