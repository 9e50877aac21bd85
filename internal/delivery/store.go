package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPairNotFound  = errors.New("delivery pair not found")
	ErrEventNotFound = errors.New("event not found")
	// ErrAttemptConflict is returned by BeginAttempt when the pair is not in
	// a startable state for that attempt number, i.e. another worker owns it
	// or the task is stale.
	ErrAttemptConflict = errors.New("attempt conflict: pair not startable for this attempt")
	// ErrStatusTransitionDenied is returned when an update would move a pair
	// out of a terminal state (e.g. a cancelled pair finishing an attempt).
	ErrStatusTransitionDenied = errors.New("status transition denied: pair already in terminal state")
)

// Store persists events, pairs and attempts. BeginAttempt and FinishAttempt
// must be compare-and-set operations; they are the only guard for
// at-most-one in-flight attempt per pair across worker processes.
type Store interface {
	// CreateEvent stores ev and p atomically. When ev.IdempotencyKey matches
	// an existing event for the same owner the stored rows are returned with
	// created=false and nothing is written.
	CreateEvent(ctx context.Context, ev Event, p Pair) (Event, Pair, bool, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	GetPair(ctx context.Context, id string) (Pair, error)

	// BeginAttempt moves the pair from pending/retrying with attempt_count
	// n-1 to attempting with attempt_count n, sets first_attempt_at if unset
	// and inserts a pending attempt row.
	BeginAttempt(ctx context.Context, pairID string, n int, scheduledAt, now time.Time) (Pair, error)
	// FinishAttempt records the attempt outcome and, if the pair is still
	// attempting n, applies f.State. A pair cancelled meanwhile keeps its
	// state and ErrStatusTransitionDenied is returned after the attempt row
	// is written. ErrAttemptConflict means attempt n was already closed.
	FinishAttempt(ctx context.Context, f Finish) (Pair, error)

	// TouchOverdue moves next_attempt_at of a pending or retrying pair from
	// prev to next. ErrAttemptConflict means the pair moved on since it was
	// read.
	TouchOverdue(ctx context.Context, pairID string, prev, next time.Time) (Pair, error)

	CancelPair(ctx context.Context, pairID string, now time.Time) (Pair, error)
	CancelRoomPairs(ctx context.Context, roomID string, now time.Time) (int, error)
}

// Scheduler hands a task to the runner for execution after delay.
type Scheduler interface {
	Schedule(ctx context.Context, t Task, delay time.Duration) error
}
