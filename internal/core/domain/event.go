package domain

import "time"

// StateChange is emitted whenever the system of record actually changes a
// device's online state.
type StateChange struct {
	DeviceUUID string      `json:"device_uuid"`
	State      OnlineState `json:"state"`
	StateName  string      `json:"state_name"`
	At         time.Time   `json:"at"`
}

func NewStateChange(deviceUUID string, state OnlineState, at time.Time) StateChange {
	return StateChange{
		DeviceUUID: deviceUUID,
		State:      state,
		StateName:  state.String(),
		At:         at,
	}
}
