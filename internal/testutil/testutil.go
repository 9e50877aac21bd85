// Package testutil provides shared fakes for roomhook tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/room"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout that is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Scheduled is one call captured by RecordingScheduler.
type Scheduled struct {
	Task  delivery.Task
	Delay time.Duration
}

// RecordingScheduler captures scheduled tasks instead of running them.
type RecordingScheduler struct {
	mu    sync.Mutex
	calls []Scheduled
	Err   error // returned from Schedule when set
}

func (s *RecordingScheduler) Schedule(_ context.Context, t delivery.Task, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.calls = append(s.calls, Scheduled{Task: t, Delay: delay})
	return nil
}

func (s *RecordingScheduler) Calls() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Scheduled(nil), s.calls...)
}

// Last returns the most recent call; ok is false when nothing was scheduled.
func (s *RecordingScheduler) Last() (Scheduled, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return Scheduled{}, false
	}
	return s.calls[len(s.calls)-1], true
}

// DeadLetters collects dead letters.
type DeadLetters struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
}

func (d *DeadLetters) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, dl)
	return nil
}

func (d *DeadLetters) All() []delivery.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery.DeadLetter(nil), d.letters...)
}

// MemoryStore is an in-memory delivery.Store with the same compare-and-set
// semantics as the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	events   map[string]delivery.Event
	pairs    map[string]delivery.Pair
	attempts map[string][]delivery.Attempt

	// BeforeFinish, when set, runs inside FinishAttempt before the pair is
	// checked. Tests use it to cancel a pair mid-attempt.
	BeforeFinish func(pairID string)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]delivery.Event),
		pairs:    make(map[string]delivery.Pair),
		attempts: make(map[string][]delivery.Attempt),
	}
}

func (m *MemoryStore) CreateEvent(_ context.Context, ev delivery.Event, p delivery.Pair) (delivery.Event, delivery.Pair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.IdempotencyKey != "" {
		for _, existing := range m.events {
			if existing.OwnerID == ev.OwnerID && existing.IdempotencyKey == ev.IdempotencyKey {
				for _, ep := range m.pairs {
					if ep.EventID == existing.ID {
						return existing, ep, false, nil
					}
				}
				return existing, delivery.Pair{}, false, nil
			}
		}
	}
	m.events[ev.ID] = ev
	m.pairs[p.ID] = p
	return ev, p, true, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (delivery.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return delivery.Event{}, delivery.ErrEventNotFound
	}
	return ev, nil
}

func (m *MemoryStore) GetPair(_ context.Context, id string) (delivery.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[id]
	if !ok {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	return p, nil
}

// PutPair overwrites a pair, for arranging test state.
func (m *MemoryStore) PutPair(p delivery.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[p.ID] = p
}

func (m *MemoryStore) BeginAttempt(_ context.Context, pairID string, n int, scheduledAt, now time.Time) (delivery.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[pairID]
	if !ok {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	if p.State.Terminal() {
		return delivery.Pair{}, delivery.ErrStatusTransitionDenied
	}
	if (p.State != delivery.StatePending && p.State != delivery.StateRetrying) || p.AttemptCount != n-1 {
		return delivery.Pair{}, delivery.ErrAttemptConflict
	}
	p.State = delivery.StateAttempting
	p.AttemptCount = n
	if p.FirstAttemptAt.IsZero() {
		p.FirstAttemptAt = now
	}
	p.AttemptStartedAt = now
	p.NextAttemptAt = time.Time{}
	p.UpdatedAt = now
	m.pairs[pairID] = p
	m.attempts[pairID] = append(m.attempts[pairID], delivery.Attempt{
		PairID:      pairID,
		Number:      n,
		ScheduledAt: scheduledAt,
		ExecutedAt:  now,
		Outcome:     delivery.OutcomePending,
	})
	return p, nil
}

func (m *MemoryStore) FinishAttempt(_ context.Context, f delivery.Finish) (delivery.Pair, error) {
	if m.BeforeFinish != nil {
		m.BeforeFinish(f.PairID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.attempts[f.PairID]
	exists := false
	for i := range rows {
		if rows[i].Number != f.Attempt {
			continue
		}
		exists = true
		// a closed row keeps its first outcome
		if rows[i].Outcome == delivery.OutcomePending {
			rows[i].Outcome = f.Outcome
			rows[i].StatusCode = f.StatusCode
			rows[i].Error = f.Error
			rows[i].Latency = f.Latency
			rows[i].FinishedAt = f.FinishedAt
		}
	}
	if !exists {
		// interrupted attempts may have lost their row
		m.attempts[f.PairID] = append(rows, delivery.Attempt{
			PairID: f.PairID, Number: f.Attempt, Outcome: f.Outcome,
			StatusCode: f.StatusCode, Error: f.Error, FinishedAt: f.FinishedAt,
		})
	}

	p, ok := m.pairs[f.PairID]
	if !ok {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	if p.State.Terminal() {
		return p, delivery.ErrStatusTransitionDenied
	}
	if p.State != delivery.StateAttempting || p.AttemptCount != f.Attempt {
		return p, delivery.ErrAttemptConflict
	}
	p.State = f.State
	p.LastStatusCode = f.StatusCode
	p.LastError = f.Error
	p.NextAttemptAt = f.NextAttemptAt
	p.UpdatedAt = f.FinishedAt
	m.pairs[f.PairID] = p
	return p, nil
}

func (m *MemoryStore) TouchOverdue(_ context.Context, pairID string, prev, next time.Time) (delivery.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[pairID]
	if !ok {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	if p.State.Terminal() {
		return delivery.Pair{}, delivery.ErrStatusTransitionDenied
	}
	if (p.State != delivery.StatePending && p.State != delivery.StateRetrying) || !p.NextAttemptAt.Equal(prev) {
		return delivery.Pair{}, delivery.ErrAttemptConflict
	}
	p.NextAttemptAt = next
	p.UpdatedAt = next
	m.pairs[pairID] = p
	return p, nil
}

func (m *MemoryStore) CancelPair(_ context.Context, pairID string, now time.Time) (delivery.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[pairID]
	if !ok {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	if p.State.Terminal() {
		return p, delivery.ErrStatusTransitionDenied
	}
	p.State = delivery.StateCancelled
	p.NextAttemptAt = time.Time{}
	p.UpdatedAt = now
	m.pairs[pairID] = p
	return p, nil
}

func (m *MemoryStore) CancelRoomPairs(_ context.Context, roomID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.pairs {
		if p.RoomID == roomID && !p.State.Terminal() {
			p.State = delivery.StateCancelled
			p.NextAttemptAt = time.Time{}
			p.UpdatedAt = now
			m.pairs[id] = p
			n++
		}
	}
	return n, nil
}

// ListStaleAttempts returns attempting pairs started before cutoff.
func (m *MemoryStore) ListStaleAttempts(_ context.Context, cutoff time.Time, limit int) ([]delivery.Pair, error) {
	return m.list(limit, func(p delivery.Pair) bool {
		return p.State == delivery.StateAttempting && p.AttemptStartedAt.Before(cutoff)
	}), nil
}

// ListOverdue returns pending or retrying pairs due before cutoff.
func (m *MemoryStore) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]delivery.Pair, error) {
	return m.list(limit, func(p delivery.Pair) bool {
		return (p.State == delivery.StatePending || p.State == delivery.StateRetrying) && p.NextAttemptAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) ListPairsByEvent(_ context.Context, eventID string) ([]delivery.Pair, error) {
	return m.list(0, func(p delivery.Pair) bool { return p.EventID == eventID }), nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, pairID string) ([]delivery.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery.Attempt(nil), m.attempts[pairID]...), nil
}

func (m *MemoryStore) list(limit int, keep func(delivery.Pair) bool) []delivery.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []delivery.Pair
	for _, p := range m.pairs {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryRooms is an in-memory room.Store.
type MemoryRooms struct {
	mu    sync.Mutex
	rooms map[string]room.Room
}

func NewMemoryRooms() *MemoryRooms {
	return &MemoryRooms{rooms: make(map[string]room.Room)}
}

func (m *MemoryRooms) GetRoom(_ context.Context, id string) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return room.Room{}, room.ErrNotFound
	}
	return r, nil
}

func (m *MemoryRooms) SaveRoom(_ context.Context, r room.Room) (room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = r
	return r, nil
}

func (m *MemoryRooms) DeleteRoom(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return room.ErrNotFound
	}
	delete(m.rooms, id)
	return nil
}
