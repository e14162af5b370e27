package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fleetpulse.state/internal/core/domain"
)

var (
	// Heartbeat intake metrics
	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_heartbeats_total",
			Help: "Total number of heartbeats recorded, by scheduling result",
		},
		[]string{"result"},
	)

	transitionsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_transitions_scheduled_total",
			Help: "Total number of delayed transitions scheduled, by target state",
		},
		[]string{"state"},
	)

	// Consumer loop metrics
	transitionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_transitions_applied_total",
			Help: "Total number of state writes to the system of record, by state and whether they changed anything",
		},
		[]string{"state", "changed"},
	)

	staleDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "device_transition_stale_deliveries_total",
			Help: "Queue deliveries discarded because a newer transition superseded them",
		},
	)

	deadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "device_transition_dead_letters_total",
			Help: "Malformed queue messages discarded",
		},
	)

	consumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_consumer_errors_total",
			Help: "Errors raised inside the transition consumer loop, by stage",
		},
		[]string{"stage"},
	)

	// Error reporting metrics
	errorsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_reported_total",
			Help: "Errors passed to the reporter, by whether they were logged or suppressed",
		},
		[]string{"outcome"},
	)

	devicesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devices_by_online_state",
			Help: "Number of devices in the system of record per online state",
		},
		[]string{"state"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_transition_queue_depth",
			Help: "Messages held by the transition queues",
		},
		[]string{"queue"},
	)
)

// RecordHeartbeat counts a heartbeat by whether rescheduling succeeded
func RecordHeartbeat(scheduled bool) {
	result := "scheduled"
	if !scheduled {
		result = "failed"
	}
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// RecordScheduled counts a scheduled transition
func RecordScheduled(next domain.OnlineState) {
	transitionsScheduled.WithLabelValues(next.String()).Inc()
}

// RecordApplied counts a compare-and-set write
func RecordApplied(state domain.OnlineState, changed bool) {
	c := "false"
	if changed {
		c = "true"
	}
	transitionsApplied.WithLabelValues(state.String(), c).Inc()
}

func RecordStaleDelivery() {
	staleDeliveries.Inc()
}

func RecordDeadLetter() {
	deadLetters.Inc()
}

// RecordConsumerError counts a consumer failure at the given stage
// ("receive", "lookup", "write", "schedule", "delete").
func RecordConsumerError(stage string) {
	consumerErrors.WithLabelValues(stage).Inc()
}

func RecordReportedError(suppressed bool) {
	outcome := "logged"
	if suppressed {
		outcome = "suppressed"
	}
	errorsReported.WithLabelValues(outcome).Inc()
}

// SetDevicesByState replaces the per-state device gauge
func SetDevicesByState(counts map[domain.OnlineState]int64) {
	for _, s := range domain.AllOnlineStates() {
		devicesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// SetQueueDepth records how many messages a queue ("pending" or "dead_letter") holds
func SetQueueDepth(queue string, n int64) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}
