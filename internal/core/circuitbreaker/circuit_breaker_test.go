package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"

	"fleetpulse.state/internal/core/domain"
)

type stubWriter struct {
	err   error
	calls int
}

func (s *stubWriter) CompareAndSetState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return true, nil
}

func TestGuardStateWriter_OpensOnFailures(t *testing.T) {
	stub := &stubWriter{err: errors.New("connection refused")}
	w := GuardStateWriter(stub, NewStateWriterBreaker("test-open"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := w.CompareAndSetState(ctx, "dev-1", domain.OnlineStateOnline); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := w.CompareAndSetState(ctx, "dev-1", domain.OnlineStateOnline)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls != 3 {
		t.Errorf("writer called %d times, want 3", stub.calls)
	}
}

func TestGuardStateWriter_NotFoundDoesNotTrip(t *testing.T) {
	stub := &stubWriter{err: domain.ErrDeviceNotFound}
	cb := NewStateWriterBreaker("test-notfound")
	w := GuardStateWriter(stub, cb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := w.CompareAndSetState(ctx, "ghost", domain.OnlineStateOnline)
		if !errors.Is(err, domain.ErrDeviceNotFound) {
			t.Fatalf("expected ErrDeviceNotFound, got %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

func TestGuardStateWriter_PassesResult(t *testing.T) {
	w := GuardStateWriter(&stubWriter{}, NewStateWriterBreaker("test-pass"))
	changed, err := w.CompareAndSetState(context.Background(), "dev-1", domain.OnlineStateOffline)
	if err != nil || !changed {
		t.Errorf("got (%v, %v), want (true, nil)", changed, err)
	}
}
