// Package reporter is the error sink used by the online-state engine. Errors
// are logged with their context, throttled per operation so that a backing
// store outage does not turn every heartbeat into a log line.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/metrics"
)

// OpKey is the attribute name used to group errors for throttling.
const OpKey = "op"

const (
	DefaultInterval = 30 * time.Second
	DefaultBurst    = 3
)

type throttle struct {
	limiter    *rate.Limiter
	suppressed int64
}

// Reporter logs errors at most burst times per interval for each operation.
type Reporter struct {
	interval time.Duration
	burst    int

	mu     sync.Mutex
	byKey  map[string]*throttle
	now    func() time.Time
	logErr func(ctx context.Context, msg string, args ...any)
}

func New(interval time.Duration, burst int) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Reporter{
		interval: interval,
		burst:    burst,
		byKey:    make(map[string]*throttle),
		now:      time.Now,
		logErr:   logger.ErrorContext,
	}
}

// Report never blocks on anything but the reporter's own mutex and never panics
// on a nil error.
func (r *Reporter) Report(ctx context.Context, err error, attrs ...any) {
	if err == nil {
		return
	}
	key := keyFor(err, attrs)

	r.mu.Lock()
	t, ok := r.byKey[key]
	if !ok {
		t = &throttle{limiter: rate.NewLimiter(rate.Every(r.interval/time.Duration(r.burst)), r.burst)}
		r.byKey[key] = t
	}
	if !t.limiter.AllowN(r.now(), 1) {
		t.suppressed++
		r.mu.Unlock()
		metrics.RecordReportedError(true)
		return
	}
	suppressed := t.suppressed
	t.suppressed = 0
	r.mu.Unlock()

	metrics.RecordReportedError(false)
	args := append([]any{"error", err}, attrs...)
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	r.logErr(ctx, "Reported error", args...)
}

func keyFor(err error, attrs []any) string {
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok && k == OpKey {
			return fmt.Sprint(attrs[i+1])
		}
	}
	return fmt.Sprintf("%T", err)
}
