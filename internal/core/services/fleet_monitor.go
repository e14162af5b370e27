package services

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/metrics"
	"fleetpulse.state/internal/core/ports"
	"fleetpulse.state/internal/core/reporter"
)

const DefaultSnapshotInterval = 30 * time.Second

// DepthFunc reports how many messages a queue holds.
type DepthFunc func(ctx context.Context) (int64, error)

// FleetSnapshot is the last periodic view of the fleet.
type FleetSnapshot struct {
	Devices map[string]int64 `json:"devices"`
	Queues  map[string]int64 `json:"queues"`
	TakenAt time.Time        `json:"taken_at"`
}

// FleetMonitor periodically counts devices per state and queue depths and
// publishes them as gauges.
type FleetMonitor struct {
	devices  ports.DeviceRepository
	reporter ports.ErrorReporter
	queues   map[string]DepthFunc
	interval time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last FleetSnapshot
}

func NewFleetMonitor(devices ports.DeviceRepository, rep ports.ErrorReporter, interval time.Duration) *FleetMonitor {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &FleetMonitor{
		devices:  devices,
		reporter: rep,
		queues:   make(map[string]DepthFunc),
		interval: interval,
		now:      time.Now,
	}
}

// WatchQueue adds a queue to the snapshot. Call before Start.
func (fm *FleetMonitor) WatchQueue(name string, depth DepthFunc) {
	fm.queues[name] = depth
}

// Start refreshes immediately and then every interval until ctx is done.
func (fm *FleetMonitor) Start(ctx context.Context) {
	fm.Refresh(ctx)

	ticker := time.NewTicker(fm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fm.Refresh(ctx)
		}
	}
}

// Refresh takes a new snapshot. Parts that fail keep their previous values.
func (fm *FleetMonitor) Refresh(ctx context.Context) {
	fm.mu.RLock()
	snap := FleetSnapshot{
		Devices: maps.Clone(fm.last.Devices),
		Queues:  maps.Clone(fm.last.Queues),
	}
	fm.mu.RUnlock()
	if snap.Devices == nil {
		snap.Devices = make(map[string]int64)
	}
	if snap.Queues == nil {
		snap.Queues = make(map[string]int64)
	}

	counts, err := fm.devices.CountByState(ctx)
	if err != nil {
		fm.reporter.Report(ctx, fmt.Errorf("failed to count devices: %w", err), reporter.OpKey, "fleet_snapshot")
	} else {
		metrics.SetDevicesByState(counts)
		for _, s := range domain.AllOnlineStates() {
			snap.Devices[s.String()] = counts[s]
		}
	}

	for name, depth := range fm.queues {
		n, err := depth(ctx)
		if err != nil {
			fm.reporter.Report(ctx, fmt.Errorf("failed to measure queue %s: %w", name, err), reporter.OpKey, "fleet_snapshot", "queue", name)
			continue
		}
		metrics.SetQueueDepth(name, n)
		snap.Queues[name] = n
	}

	snap.TakenAt = fm.now()
	fm.mu.Lock()
	fm.last = snap
	fm.mu.Unlock()
}

// Snapshot returns the most recent snapshot; zero before the first Refresh.
func (fm *FleetMonitor) Snapshot() FleetSnapshot {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return FleetSnapshot{
		Devices: maps.Clone(fm.last.Devices),
		Queues:  maps.Clone(fm.last.Queues),
		TakenAt: fm.last.TakenAt,
	}
}

// GetDevice returns the stored record of one device.
func (fm *FleetMonitor) GetDevice(ctx context.Context, deviceUUID string) (*domain.Device, error) {
	if deviceUUID == "" {
		return nil, domain.ErrInvalidDeviceID
	}
	return fm.devices.GetDevice(ctx, deviceUUID)
}
