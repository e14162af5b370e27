package domain

import "fmt"

// OnlineState is the persisted liveness classification of a device.
type OnlineState int

const (
	OnlineStateUnknown OnlineState = -2
	OnlineStateTimeout OnlineState = -1
	OnlineStateOffline OnlineState = 0
	OnlineStateOnline  OnlineState = 1
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateUnknown:
		return "unknown"
	case OnlineStateTimeout:
		return "timeout"
	case OnlineStateOffline:
		return "offline"
	case OnlineStateOnline:
		return "online"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined states.
func (s OnlineState) Valid() bool {
	switch s {
	case OnlineStateUnknown, OnlineStateTimeout, OnlineStateOffline, OnlineStateOnline:
		return true
	}
	return false
}

// Schedulable reports whether s can be the target of a delayed transition.
// Only the consumer loop produces Timeout and Offline; Online is written
// synchronously by heartbeat intake and Unknown only by record creation.
func (s OnlineState) Schedulable() bool {
	return s == OnlineStateTimeout || s == OnlineStateOffline
}

// Predecessors lists the states a scheduled transition to s may replace. A
// late or duplicated delivery finding any other state is a no-op.
func (s OnlineState) Predecessors() []OnlineState {
	switch s {
	case OnlineStateTimeout:
		return []OnlineState{OnlineStateOnline, OnlineStateUnknown}
	case OnlineStateOffline:
		return []OnlineState{OnlineStateTimeout}
	}
	return nil
}

// AllOnlineStates lists every state, in persisted value order.
func AllOnlineStates() []OnlineState {
	return []OnlineState{OnlineStateUnknown, OnlineStateTimeout, OnlineStateOffline, OnlineStateOnline}
}
