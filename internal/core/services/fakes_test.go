package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeEntry struct {
	data    []byte
	expires time.Time
}

type fakeStore struct {
	mu      sync.Mutex
	clock   *fakeClock
	entries map[string]storeEntry
	getErr  error
	setErr  error
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{clock: clock, entries: make(map[string]storeEntry)}
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.entries, key)
		return nil, nil
	}
	return e.data, nil
}

func (s *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = storeEntry{data: value, expires: s.clock.Now().Add(ttl)}
	return nil
}

func (s *fakeStore) setGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

type queuedMessage struct {
	payload   []byte
	visibleAt time.Time
	receives  int64
	seq       int
}

type fakeQueue struct {
	mu         sync.Mutex
	clock      *fakeClock
	msgs       map[string]*queuedMessage
	seq        int
	created    int
	createErr  error
	receiveErr error
	deleteErr  error
}

func newFakeQueue(clock *fakeClock) *fakeQueue {
	return &fakeQueue{clock: clock, msgs: make(map[string]*queuedMessage)}
}

func (q *fakeQueue) CreateQueue(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.createErr != nil {
		return q.createErr
	}
	q.created++
	return nil
}

func (q *fakeQueue) Send(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := fmt.Sprintf("msg-%d", q.seq)
	q.msgs[id] = &queuedMessage{payload: payload, visibleAt: q.clock.Now().Add(delay), seq: q.seq}
	return id, nil
}

func (q *fakeQueue) Receive(ctx context.Context, visibility time.Duration) (*domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	now := q.clock.Now()
	var (
		bestID string
		best   *queuedMessage
	)
	for id, m := range q.msgs {
		if m.visibleAt.After(now) {
			continue
		}
		if best == nil || m.visibleAt.Before(best.visibleAt) || (m.visibleAt.Equal(best.visibleAt) && m.seq < best.seq) {
			bestID, best = id, m
		}
	}
	if best == nil {
		return nil, nil
	}
	best.visibleAt = now.Add(visibility)
	best.receives++
	return &domain.QueueMessage{ID: bestID, Payload: best.payload, ReceiveCount: best.receives}, nil
}

func (q *fakeQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleteErr != nil {
		return q.deleteErr
	}
	if _, ok := q.msgs[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(q.msgs, id)
	return nil
}

func (q *fakeQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.msgs))
	for id := range q.msgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (q *fakeQueue) setReceiveErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receiveErr = err
}

type stateWrite struct {
	device string
	state  domain.OnlineState
}

type fakeWriter struct {
	mu     sync.Mutex
	states map[string]domain.OnlineState
	writes []stateWrite // only writes that changed something
	calls  int
	err    error
}

func newFakeWriter(devices ...string) *fakeWriter {
	w := &fakeWriter{states: make(map[string]domain.OnlineState)}
	for _, d := range devices {
		w.states[d] = domain.OnlineStateUnknown
	}
	return w
}

func (w *fakeWriter) CompareAndSetState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return false, w.err
	}
	current, ok := w.states[deviceUUID]
	if !ok {
		return false, domain.ErrDeviceNotFound
	}
	if current == state {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, current) {
		return false, nil
	}
	w.states[deviceUUID] = state
	w.writes = append(w.writes, stateWrite{device: deviceUUID, state: state})
	return true, nil
}

func (w *fakeWriter) state(deviceUUID string) domain.OnlineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[deviceUUID]
}

func (w *fakeWriter) history(deviceUUID string) []domain.OnlineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.OnlineState
	for _, wr := range w.writes {
		if wr.device == deviceUUID {
			out = append(out, wr.state)
		}
	}
	return out
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

type reportedError struct {
	ctx   context.Context
	err   error
	attrs []any
}

type captureReporter struct {
	mu      sync.Mutex
	reports []reportedError
}

func (r *captureReporter) Report(ctx context.Context, err error, attrs ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, reportedError{ctx: ctx, err: err, attrs: attrs})
}

func (r *captureReporter) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []string
	for _, rep := range r.reports {
		for i := 0; i+1 < len(rep.attrs); i += 2 {
			if rep.attrs[i] == "op" {
				ops = append(ops, fmt.Sprint(rep.attrs[i+1]))
			}
		}
	}
	return ops
}

// repeatedContextKeys lists attribute keys a report passes explicitly although
// the logger already derives them from its context.
func (r *captureReporter) repeatedContextKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var repeated []string
	for _, rep := range r.reports {
		for i := 0; i+1 < len(rep.attrs); i += 2 {
			switch rep.attrs[i] {
			case "device_uuid":
				if rep.ctx.Value(logger.DeviceIDKey) != nil {
					repeated = append(repeated, "device_uuid")
				}
			case "message_id":
				if rep.ctx.Value(logger.MessageIDKey) != nil {
					repeated = append(repeated, "message_id")
				}
			}
		}
	}
	return repeated
}

type fakeEvents struct {
	mu      sync.Mutex
	changes []domain.StateChange
}

func (e *fakeEvents) PublishStateChange(ctx context.Context, change domain.StateChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, change)
	return nil
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	entries map[string]string
}

func (d *fakeDeadLetters) Add(ctx context.Context, msg *domain.QueueMessage, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries == nil {
		d.entries = make(map[string]string)
	}
	d.entries[msg.ID] = reason
	return nil
}

// fakeRepo adds the read side of a device repository to fakeWriter.
type fakeRepo struct {
	*fakeWriter
	countErr error
}

func (r *fakeRepo) Create(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[device.UUID] = domain.OnlineStateUnknown
	return nil
}

func (r *fakeRepo) GetDevice(ctx context.Context, deviceUUID string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[deviceUUID]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return &domain.Device{UUID: deviceUUID, APIHeartbeatState: state}, nil
}

func (r *fakeRepo) CountByState(ctx context.Context) (map[domain.OnlineState]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return nil, r.countErr
	}
	counts := make(map[domain.OnlineState]int64)
	for _, s := range r.states {
		counts[s]++
	}
	return counts, nil
}
