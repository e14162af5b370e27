package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/ports"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a new circuit breaker with default settings. Errors for which
// ignore returns true count as successes: they are answers, not outages.
func New(name string, ignore ...error) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Second * 60,
		Timeout:     time.Second * 30,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			for _, target := range ignore {
				if errors.Is(err, target) {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs the function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

type guardedWriter struct {
	next ports.DeviceStateWriter
	cb   *CircuitBreaker
}

// GuardStateWriter wraps a system-of-record writer so that a failing database
// is not hammered by every heartbeat and every expired transition.
func GuardStateWriter(next ports.DeviceStateWriter, cb *CircuitBreaker) ports.DeviceStateWriter {
	return &guardedWriter{next: next, cb: cb}
}

// NewStateWriterBreaker builds a breaker for a state writer. Unknown devices do
// not count as failures.
func NewStateWriterBreaker(name string) *CircuitBreaker {
	return New(name, domain.ErrDeviceNotFound)
}

func (w *guardedWriter) CompareAndSetState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error) {
	var changed bool
	err := w.cb.Execute(ctx, func() error {
		var err error
		changed, err = w.next.CompareAndSetState(ctx, deviceUUID, state, from...)
		return err
	})
	return changed, err
}
