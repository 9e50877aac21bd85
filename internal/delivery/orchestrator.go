package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/ids"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/metrics"
	"github.com/austindbirch/roomhook/internal/tracing"
)

// DefaultStaleAfter is how long an attempt may stay in flight before a
// redelivered task or the reconciler treats it as interrupted. It must
// exceed the executor timeout.
const DefaultStaleAfter = 5 * time.Minute

const (
	interruptedError = "attempt interrupted, outcome unknown"
	earlyTolerance   = time.Second
)

// Orchestrator owns the pair state machine. Every method is one bounded
// unit of work; waiting between attempts belongs to the Scheduler.
type Orchestrator struct {
	store      Store
	scheduler  Scheduler
	executor   *Executor
	policy     RetryPolicy
	deadLetter DeadLetterSink // optional, nil = disabled
	logger     *logging.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewOrchestrator(store Store, scheduler Scheduler, executor *Executor, policy RetryPolicy) *Orchestrator {
	return &Orchestrator{
		store:      store,
		scheduler:  scheduler,
		executor:   executor,
		policy:     policy,
		logger:     logging.Default(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// WithDeadLetters attaches a sink for failed pairs.
func (o *Orchestrator) WithDeadLetters(sink DeadLetterSink) *Orchestrator {
	o.deadLetter = sink
	return o
}

func (o *Orchestrator) WithLogger(l *logging.Logger) *Orchestrator {
	o.logger = l
	return o
}

func (o *Orchestrator) WithStaleAfter(d time.Duration) *Orchestrator {
	if d > 0 {
		o.staleAfter = d
	}
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) Policy() RetryPolicy {
	return o.policy
}

// Enqueue records ev for dest and schedules attempt 1. A disabled
// destination produces no pair and enqueued is false. A repeated
// idempotency key returns the original pair without scheduling again.
func (o *Orchestrator) Enqueue(ctx context.Context, ev Event, dest destination.Destination) (Pair, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.enqueue",
		attribute.String("event_type", ev.Type),
		attribute.String("room_id", ev.OwnerID),
	)
	defer span.End()
	log := o.logger.WithContext(ctx).WithRoom(ev.OwnerID)

	if !dest.Enabled() {
		metrics.RecordEventSkipped(ev.Type)
		log.WithField("event_type", ev.Type).Debug("no destination configured, event not delivered")
		return Pair{}, false, nil
	}
	if dest.Secret == "" {
		return Pair{}, false, ErrNoSecret
	}

	now := o.now().UTC()
	if ev.ID == "" {
		ev.ID = ids.NewAt(now)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.CreatedAt = now
	p := Pair{
		ID:            ids.NewAt(now),
		EventID:       ev.ID,
		RoomID:        ev.OwnerID,
		EventType:     ev.Type,
		Destination:   dest,
		State:         StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	storedEv, stored, created, err := o.store.CreateEvent(ctx, ev, p)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Pair{}, false, fmt.Errorf("create event: %w", err)
	}
	log = log.WithEvent(storedEv.ID).WithDelivery(stored.ID)
	span.SetAttributes(attribute.String("event_id", storedEv.ID), attribute.String("pair_id", stored.ID))
	if !created {
		log.WithField("idempotency_key", ev.IdempotencyKey).Info("duplicate event, returning existing delivery")
		return stored, true, nil
	}

	metrics.RecordEventCreated(ev.Type)
	task := NewTask(stored, 1, now, tracing.InjectHeaders(ctx))
	if err := o.scheduler.Schedule(ctx, task, 0); err != nil {
		// The pair is durable; the reconciler republishes overdue pending pairs.
		log.WithError(err).Error("schedule first attempt failed")
		tracing.SetSpanError(ctx, err)
	} else {
		log.Info("delivery enqueued")
	}
	return stored, true, nil
}

// Process runs the attempt described by t. A nil return means the task is
// done, including when it was dropped as stale or duplicate. Store errors
// are returned so the runner redelivers the task.
func (o *Orchestrator) Process(ctx context.Context, t Task) error {
	ctx = tracing.ExtractHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.process",
		attribute.String("pair_id", t.PairID),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()
	log := o.logger.WithContext(ctx).WithDelivery(t.PairID).WithEvent(t.EventID).WithAttempt(t.Attempt)

	pair, err := o.store.GetPair(ctx, t.PairID)
	if errors.Is(err, ErrPairNotFound) {
		log.Warn("task for unknown pair dropped")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("get pair: %w", err)
	}
	log = log.WithRoom(pair.RoomID)

	switch {
	case pair.State.Terminal():
		log.WithField("state", string(pair.State)).Debug("pair already terminal, task dropped")
		return nil
	case pair.State == StateAttempting:
		if pair.AttemptCount == t.Attempt && o.isStale(pair) {
			return o.Recover(ctx, pair)
		}
		log.WithField("in_flight", pair.AttemptCount).Debug("attempt in flight elsewhere, task dropped")
		return nil
	case t.Attempt != pair.AttemptCount+1:
		log.WithField("attempt_count", pair.AttemptCount).Debug("stale task dropped")
		return nil
	}

	now := o.now().UTC()
	if wait := pair.NextAttemptAt.Sub(now); wait > earlyTolerance {
		// The runner caps deferral; push the task out again until it is due.
		if err := o.scheduler.Schedule(ctx, t, wait); err != nil {
			return fmt.Errorf("reschedule early task: %w", err)
		}
		log.WithField("wait", wait.String()).Debug("task arrived early, rescheduled")
		return nil
	}

	ev, err := o.store.GetEvent(ctx, pair.EventID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("get event: %w", err)
	}

	pair, err = o.store.BeginAttempt(ctx, pair.ID, t.Attempt, t.ScheduledTime(now), now)
	if errors.Is(err, ErrAttemptConflict) || errors.Is(err, ErrStatusTransitionDenied) {
		log.WithError(err).Debug("begin attempt lost the race, task dropped")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("begin attempt: %w", err)
	}
	tracing.AddSpanEvent(ctx, "delivery.attempting")

	res, execErr := o.executor.Execute(ctx, pair.Destination, ev, t.Attempt)
	if execErr != nil {
		// Configuration fault on the snapshot; retrying cannot fix it.
		res = Result{Class: ClassPermanent, Reason: "misconfigured", Error: execErr.Error()}
		log.WithError(execErr).Error("destination snapshot unusable")
	}
	if res.Class == ClassProducer {
		log.WithField("error", res.Error).Error("payload could not be built, producer defect")
	}
	metrics.RecordAttempt(string(res.Class), res.Latency)

	return o.finish(ctx, pair, t.Attempt, res)
}

// Recover closes an attempt whose outcome was lost, for example because the
// worker crashed after BeginAttempt, as transient and schedules the next one.
func (o *Orchestrator) Recover(ctx context.Context, pair Pair) error {
	if pair.State != StateAttempting {
		return nil
	}
	o.logger.WithContext(ctx).WithDelivery(pair.ID).WithAttempt(pair.AttemptCount).
		Warn("recovering interrupted attempt")
	metrics.RecordReconciled("recovered")
	res := Result{Class: ClassTransient, Reason: "interrupted", Error: interruptedError}
	return o.finish(ctx, pair, pair.AttemptCount, res)
}

// Resume republishes the next attempt of a pending or retrying pair whose
// task was lost. The pair's next_attempt_at is moved to now first, so it is
// not listed as overdue again until another grace period passes. Losing that
// update means a worker or another sweep got there first and nothing is
// published.
func (o *Orchestrator) Resume(ctx context.Context, pair Pair) error {
	if pair.State != StatePending && pair.State != StateRetrying {
		return nil
	}
	log := o.logger.WithContext(ctx).WithDelivery(pair.ID).WithAttempt(pair.AttemptCount + 1)
	now := o.now().UTC()
	touched, err := o.store.TouchOverdue(ctx, pair.ID, pair.NextAttemptAt, now)
	if errors.Is(err, ErrAttemptConflict) || errors.Is(err, ErrStatusTransitionDenied) {
		log.WithError(err).Debug("pair changed since listed, resume skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume pair %s: %w", pair.ID, err)
	}
	task := NewTask(touched, touched.AttemptCount+1, now, tracing.InjectHeaders(ctx))
	if err := o.scheduler.Schedule(ctx, task, 0); err != nil {
		return fmt.Errorf("resume pair %s: %w", pair.ID, err)
	}
	metrics.RecordReconciled("resumed")
	log.Info("delivery resumed")
	return nil
}

// Cancel marks a non-terminal pair cancelled. An attempt already in flight
// completes but its outcome no longer changes the pair.
func (o *Orchestrator) Cancel(ctx context.Context, pairID string) (Pair, error) {
	p, err := o.store.CancelPair(ctx, pairID, o.now().UTC())
	if err != nil {
		return Pair{}, err
	}
	metrics.RecordTerminal(string(StateCancelled))
	o.logger.WithContext(ctx).WithDelivery(p.ID).WithRoom(p.RoomID).Info("delivery cancelled")
	return p, nil
}

// CancelRoom cancels every non-terminal pair of a room, used when its
// destination is removed.
func (o *Orchestrator) CancelRoom(ctx context.Context, roomID string) (int, error) {
	n, err := o.store.CancelRoomPairs(ctx, roomID, o.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel room pairs: %w", err)
	}
	if n > 0 {
		metrics.TerminalTotal.WithLabelValues(string(StateCancelled)).Add(float64(n))
		o.logger.WithContext(ctx).WithRoom(roomID).WithField("count", n).Info("room deliveries cancelled")
	}
	return n, nil
}

func (o *Orchestrator) isStale(p Pair) bool {
	if p.AttemptStartedAt.IsZero() {
		return true
	}
	return o.now().Sub(p.AttemptStartedAt) > o.staleAfter
}

// finish applies the policy to res, persists the outcome and schedules the
// next attempt or emits a dead letter.
func (o *Orchestrator) finish(ctx context.Context, pair Pair, n int, res Result) error {
	log := o.logger.WithContext(ctx).WithDelivery(pair.ID).WithEvent(pair.EventID).WithRoom(pair.RoomID).WithAttempt(n)
	now := o.now().UTC()
	decision := o.policy.Next(n, pair.FirstAttemptAt, now, res.Class)

	f := Finish{
		PairID:     pair.ID,
		Attempt:    n,
		StatusCode: res.StatusCode,
		Error:      res.Error,
		Latency:    res.Latency,
		FinishedAt: now,
	}
	switch {
	case res.Class == ClassSuccess:
		f.Outcome = OutcomeSucceeded
	case !decision.Stop:
		f.Outcome = OutcomeRetrying
		f.NextAttemptAt = now.Add(decision.Delay)
	case decision.Reason == StopPermanent:
		f.Outcome = OutcomeFailedPermanent
	default:
		f.Outcome = OutcomeFailedExhausted
	}
	f.State = stateFor(f.Outcome)

	updated, err := o.store.FinishAttempt(ctx, f)
	if errors.Is(err, ErrStatusTransitionDenied) {
		log.WithField("outcome", string(f.Outcome)).Info("pair cancelled during attempt, outcome discarded")
		return nil
	}
	if errors.Is(err, ErrAttemptConflict) {
		// already closed by recovery; this late outcome is dropped and the
		// attempt row keeps the interrupted result
		log.WithField("outcome", string(f.Outcome)).Warn("attempt closed elsewhere, outcome discarded")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("finish attempt: %w", err)
	}

	log = log.WithFields(map[string]any{
		"outcome":     string(f.Outcome),
		"status_code": res.StatusCode,
		"reason":      res.Reason,
	})
	tracing.AddSpanEvent(ctx, "delivery."+string(f.Outcome), attribute.String("reason", res.Reason))

	switch f.Outcome {
	case OutcomeSucceeded:
		metrics.RecordTerminal(string(StateSucceeded))
		log.Info("delivery succeeded")
	case OutcomeRetrying:
		metrics.RecordRetry(res.Reason)
		task := NewTask(updated, n+1, f.NextAttemptAt, tracing.InjectHeaders(ctx))
		if err := o.scheduler.Schedule(ctx, task, decision.Delay); err != nil {
			// The reconciler resumes overdue retrying pairs.
			log.WithError(err).Error("schedule retry failed")
			tracing.SetSpanError(ctx, err)
			return nil
		}
		log.WithField("delay", decision.Delay.String()).Warn("delivery failed, retry scheduled")
	default:
		metrics.RecordTerminal(string(f.State))
		log.WithField("stop_reason", string(decision.Reason)).Error("delivery failed")
		o.publishDeadLetter(ctx, updated, decision.Reason, now)
	}
	return nil
}

func (o *Orchestrator) publishDeadLetter(ctx context.Context, p Pair, reason StopReason, at time.Time) {
	metrics.RecordDeadLetter(string(reason))
	if o.deadLetter == nil {
		return
	}
	if err := o.deadLetter.PublishDeadLetter(ctx, NewDeadLetter(p, reason, at)); err != nil {
		o.logger.WithContext(ctx).WithDelivery(p.ID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
	}
}
