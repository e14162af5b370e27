package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/metrics"
	"fleetpulse.state/internal/core/ports"
	"fleetpulse.state/internal/core/reporter"
	"fleetpulse.state/internal/core/tracing"
)

const (
	delayKeyPrefix = "device:online-state:delay:"

	// delayRecordGrace keeps a delay record alive a little past its transition so
	// that a crashed consumer cannot leave a record that blocks scheduling forever.
	delayRecordGrace = 5 * time.Second

	DefaultOfflineGrace      = 60 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPollInterval      = 1 * time.Second
	DefaultRetryDelay        = 5 * time.Second
)

type OnlineStateConfig struct {
	// OfflineGrace is how long a device stays in Timeout before it is marked Offline.
	OfflineGrace time.Duration
	// VisibilityTimeout hides a received message from other consumers while it
	// is being handled. Keep it well above the expected handling time.
	VisibilityTimeout time.Duration
	// PollInterval is the idle wait when the queue has nothing ready.
	PollInterval time.Duration
	// RetryDelay is the wait after the queue itself failed.
	RetryDelay time.Duration
}

func (c OnlineStateConfig) withDefaults() OnlineStateConfig {
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = DefaultOfflineGrace
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

type OnlineStateOption func(*OnlineStateManager)

// WithEventPublisher publishes a domain.StateChange for every write that
// actually changed a device's state.
func WithEventPublisher(p ports.StateEventPublisher) OnlineStateOption {
	return func(m *OnlineStateManager) { m.events = p }
}

// WithDeadLetters keeps a copy of malformed queue messages before they are dropped.
func WithDeadLetters(d ports.DeadLetterSink) OnlineStateOption {
	return func(m *OnlineStateManager) { m.deadLetters = d }
}

// OnlineStateManager turns device heartbeats into Online/Timeout/Offline
// states. Heartbeat intake may be called concurrently from any number of
// goroutines; the consumer loop runs on a single goroutine per process.
type OnlineStateManager struct {
	store       ports.DelayStore
	queue       ports.DelayedQueue
	writer      ports.DeviceStateWriter
	reporter    ports.ErrorReporter
	events      ports.StateEventPublisher
	deadLetters ports.DeadLetterSink

	offlineGrace atomic.Int64
	visibility   time.Duration
	pollInterval time.Duration
	retryDelay   time.Duration

	now      func() time.Time
	lastPoll atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOnlineStateManager(
	store ports.DelayStore,
	queue ports.DelayedQueue,
	writer ports.DeviceStateWriter,
	rep ports.ErrorReporter,
	cfg OnlineStateConfig,
	opts ...OnlineStateOption,
) *OnlineStateManager {
	cfg = cfg.withDefaults()
	m := &OnlineStateManager{
		store:        store,
		queue:        queue,
		writer:       writer,
		reporter:     rep,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: cfg.PollInterval,
		retryDelay:   cfg.RetryDelay,
		now:          time.Now,
	}
	m.offlineGrace.Store(int64(cfg.OfflineGrace))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOfflineGrace changes the Timeout -> Offline delay for transitions
// scheduled from now on.
func (m *OnlineStateManager) SetOfflineGrace(d time.Duration) {
	if d <= 0 {
		return
	}
	m.offlineGrace.Store(int64(d))
}

func (m *OnlineStateManager) OfflineGrace() time.Duration {
	return time.Duration(m.offlineGrace.Load())
}

// LastPoll is the time the consumer loop last talked to the queue successfully.
// Zero until the first successful receive.
func (m *OnlineStateManager) LastPoll() time.Time {
	ns := m.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *OnlineStateManager) VisibilityTimeout() time.Duration {
	return m.visibility
}

// RecordHeartbeat marks a device Online if it is not already and pushes its
// Timeout transition timeout into the future. It reports whether rescheduling
// succeeded. An error is only returned for invalid input; infrastructure
// failures are reported and yield false.
func (m *OnlineStateManager) RecordHeartbeat(ctx context.Context, deviceUUID string, timeout time.Duration) (bool, error) {
	if deviceUUID == "" {
		return false, domain.ErrInvalidDeviceID
	}
	if timeout <= 0 {
		return false, domain.ErrInvalidTimeout
	}

	ctx = context.WithValue(ctx, logger.DeviceIDKey, deviceUUID)
	ctx, span := tracing.StartSpan(ctx, "online_state.record_heartbeat",
		attribute.String("device.uuid", deviceUUID),
		attribute.Int64("heartbeat.timeout_ms", timeout.Milliseconds()),
	)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	record, err := m.readDelayRecord(ctx, deviceUUID)
	if err != nil {
		// Without the record we cannot tell whether the device is already Online;
		// the compare-and-set below makes the extra write harmless.
		m.reporter.Report(ctx, err, reporter.OpKey, "heartbeat_lookup")
		record = nil
	}

	// current is what the delay record will claim the device is in. If marking
	// it Online fails the record says Unknown, so the next heartbeat retries.
	current := domain.OnlineStateOnline
	if record == nil || record.State != domain.OnlineStateOnline {
		if _, err := m.applyState(ctx, deviceUUID, domain.OnlineStateOnline); err != nil {
			if errors.Is(err, domain.ErrDeviceNotFound) {
				spanErr = err
				metrics.RecordHeartbeat(false)
				return false, err
			}
			m.reporter.Report(ctx, err, reporter.OpKey, "mark_online")
			current = domain.OnlineStateUnknown
		}
	}

	if err := m.scheduleTransition(ctx, deviceUUID, current, domain.OnlineStateTimeout, timeout); err != nil {
		spanErr = err
		m.reporter.Report(ctx, err, reporter.OpKey, "schedule")
		metrics.RecordHeartbeat(false)
		return false, nil
	}

	metrics.RecordHeartbeat(true)
	return true, nil
}

// scheduleTransition replaces whatever transition is pending for the device
// with one to next after delay. Cancelling the previous message is best effort:
// it may already have been delivered, which the consumer tolerates.
func (m *OnlineStateManager) scheduleTransition(ctx context.Context, deviceUUID string, current, next domain.OnlineState, delay time.Duration) error {
	record, err := m.readDelayRecord(ctx, deviceUUID)
	if err != nil {
		return err
	}
	if record != nil && record.MessageID != "" {
		if err := m.queue.Delete(ctx, record.MessageID); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
			m.reporter.Report(ctx, fmt.Errorf("failed to cancel pending transition: %w", err),
				reporter.OpKey, "cancel", "pending_message_id", record.MessageID)
		}
	}

	scheduledAt := m.now().UnixNano()
	payload, err := json.Marshal(domain.PendingTransition{
		DeviceUUID:  deviceUUID,
		NextState:   next,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	msgID, err := m.queue.Send(ctx, payload, delay)
	if err != nil {
		return fmt.Errorf("failed to enqueue transition to %s: %w", next, err)
	}

	data, err := json.Marshal(domain.DelayRecord{
		MessageID:   msgID,
		State:       current,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delay record: %w", err)
	}
	if err := m.store.Set(ctx, delayKey(deviceUUID), data, delay+delayRecordGrace); err != nil {
		return fmt.Errorf("failed to store delay record: %w", err)
	}

	metrics.RecordScheduled(next)
	logger.DebugContext(ctx, "Scheduled transition",
		"from", current.String(), "to", next.String(), "delay", delay, "scheduled_message_id", msgID)
	return nil
}

// Start runs the consumer loop in its own goroutine until Stop is called or
// ctx is cancelled. Calling Start on a running manager does nothing.
func (m *OnlineStateManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.Run(runCtx)
	}()
}

// Stop cancels the consumer loop and waits for it to return.
func (m *OnlineStateManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run is the consumer loop. It only returns once ctx is done.
func (m *OnlineStateManager) Run(ctx context.Context) {
	logger.Info("Online state consumer starting",
		"visibility_timeout", m.visibility, "poll_interval", m.pollInterval, "offline_grace", m.OfflineGrace())

	if !m.ensureQueue(ctx) {
		return
	}

	for {
		if ctx.Err() != nil {
			break
		}

		var wait time.Duration
		switch m.pollOnce(ctx) {
		case pollHandled:
			continue
		case pollIdle:
			wait = m.pollInterval
		case pollFailed:
			wait = m.retryDelay
		}

		if !sleepContext(ctx, wait) {
			break
		}
	}

	logger.Info("Online state consumer stopped")
}

func (m *OnlineStateManager) ensureQueue(ctx context.Context) bool {
	for {
		err := m.queue.CreateQueue(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		metrics.RecordConsumerError("create_queue")
		m.reporter.Report(ctx, fmt.Errorf("failed to create queue: %w", err), reporter.OpKey, "create_queue")
		if !sleepContext(ctx, m.retryDelay) {
			return false
		}
	}
}

type pollOutcome int

const (
	pollIdle pollOutcome = iota
	pollHandled
	pollFailed
)

// pollOnce receives and handles at most one message.
func (m *OnlineStateManager) pollOnce(ctx context.Context) pollOutcome {
	msg, err := m.queue.Receive(ctx, m.visibility)
	if err != nil {
		if ctx.Err() != nil {
			return pollIdle
		}
		metrics.RecordConsumerError("receive")
		m.reporter.Report(ctx, fmt.Errorf("failed to receive transition: %w", err), reporter.OpKey, "receive")
		return pollFailed
	}
	m.lastPoll.Store(m.now().UnixNano())
	if msg == nil {
		return pollIdle
	}

	if err := m.handleMessage(ctx, msg); err != nil {
		// Left in the queue; it becomes visible again after the visibility timeout.
		logger.WarnContext(ctx, "Transition left for redelivery", "message_id", msg.ID, "error", err)
		return pollHandled
	}

	if err := m.queue.Delete(ctx, msg.ID); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		metrics.RecordConsumerError("delete")
		m.reporter.Report(ctx, fmt.Errorf("failed to delete transition: %w", err),
			reporter.OpKey, "delete", "message_id", msg.ID)
	}
	return pollHandled
}

// handleMessage applies one delivered transition. A nil return means the
// message is done with and may be deleted.
func (m *OnlineStateManager) handleMessage(ctx context.Context, msg *domain.QueueMessage) (err error) {
	ctx = context.WithValue(ctx, logger.MessageIDKey, msg.ID)
	ctx, span := tracing.StartSpan(ctx, "online_state.handle_transition",
		attribute.String("message.id", msg.ID),
		attribute.Int64("message.receive_count", msg.ReceiveCount),
	)
	defer func() { tracing.EndSpan(span, err) }()

	transition, decodeErr := domain.DecodeTransition(msg.Payload)
	if decodeErr != nil {
		m.discard(ctx, msg, decodeErr)
		return nil
	}
	deviceUUID := transition.DeviceUUID
	ctx = context.WithValue(ctx, logger.DeviceIDKey, deviceUUID)
	span.SetAttributes(attribute.String("device.uuid", deviceUUID), attribute.String("transition.to", transition.NextState.String()))

	record, err := m.readDelayRecord(ctx, deviceUUID)
	if err != nil {
		metrics.RecordConsumerError("lookup")
		m.reporter.Report(ctx, err, reporter.OpKey, "consumer_lookup")
		return err
	}
	if isSuperseded(record, msg.ID, transition) {
		metrics.RecordStaleDelivery()
		logger.DebugContext(ctx, "Discarding superseded transition",
			"pending_message_id", record.MessageID)
		return nil
	}

	switch transition.NextState {
	case domain.OnlineStateTimeout:
		if _, err := m.applyState(ctx, deviceUUID, domain.OnlineStateTimeout, domain.OnlineStateTimeout.Predecessors()...); err != nil {
			return m.writeFailed(ctx, deviceUUID, transition.NextState, err)
		}
		if err := m.scheduleTransition(ctx, deviceUUID, domain.OnlineStateTimeout, domain.OnlineStateOffline, m.OfflineGrace()); err != nil {
			metrics.RecordConsumerError("schedule")
			m.reporter.Report(ctx, err, reporter.OpKey, "schedule_offline")
			return err
		}
	case domain.OnlineStateOffline:
		if _, err := m.applyState(ctx, deviceUUID, domain.OnlineStateOffline, domain.OnlineStateOffline.Predecessors()...); err != nil {
			return m.writeFailed(ctx, deviceUUID, transition.NextState, err)
		}
	}
	return nil
}

// isSuperseded reports whether a newer transition was scheduled for the device
// after this message. A missing record means nothing newer is known.
func isSuperseded(record *domain.DelayRecord, msgID string, t *domain.PendingTransition) bool {
	if record == nil || record.MessageID == "" || record.MessageID == msgID {
		return false
	}
	return record.ScheduledAt > t.ScheduledAt
}

func (m *OnlineStateManager) writeFailed(ctx context.Context, deviceUUID string, state domain.OnlineState, err error) error {
	if errors.Is(err, domain.ErrDeviceNotFound) {
		// The device was deleted after the transition was scheduled.
		logger.InfoContext(ctx, "Dropping transition for unknown device", "state", state.String())
		return nil
	}
	metrics.RecordConsumerError("write")
	m.reporter.Report(ctx, err, reporter.OpKey, "write_state", "state", state.String())
	return err
}

func (m *OnlineStateManager) discard(ctx context.Context, msg *domain.QueueMessage, cause error) {
	metrics.RecordDeadLetter()
	m.reporter.Report(ctx, cause, reporter.OpKey, "malformed_transition")
	if m.deadLetters == nil {
		return
	}
	if err := m.deadLetters.Add(ctx, msg, cause.Error()); err != nil {
		m.reporter.Report(ctx, fmt.Errorf("failed to dead-letter transition: %w", err),
			reporter.OpKey, "dead_letter")
	}
}

// applyState writes state to the system of record and announces real changes.
func (m *OnlineStateManager) applyState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error) {
	changed, err := m.writer.CompareAndSetState(ctx, deviceUUID, state, from...)
	if err != nil {
		return false, fmt.Errorf("failed to set %s state to %s: %w", deviceUUID, state, err)
	}
	metrics.RecordApplied(state, changed)
	if !changed {
		return false, nil
	}

	logger.InfoContext(ctx, "Device state changed", "state", state.String())
	if m.events != nil {
		if err := m.events.PublishStateChange(ctx, domain.NewStateChange(deviceUUID, state, m.now())); err != nil {
			m.reporter.Report(ctx, fmt.Errorf("failed to publish state change: %w", err),
				reporter.OpKey, "publish_state")
		}
	}
	return true, nil
}

func (m *OnlineStateManager) readDelayRecord(ctx context.Context, deviceUUID string) (*domain.DelayRecord, error) {
	data, err := m.store.Get(ctx, delayKey(deviceUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to read delay record: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var record domain.DelayRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt record is as good as none; it is overwritten on the next schedule.
		m.reporter.Report(ctx, fmt.Errorf("failed to decode delay record: %w", err),
			reporter.OpKey, "decode_delay_record")
		return nil, nil
	}
	return &record, nil
}

func delayKey(deviceUUID string) string {
	return delayKeyPrefix + deviceUUID
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
