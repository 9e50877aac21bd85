package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/austindbirch/roomhook/internal/delivery"
)

const pairColumns = `id, event_id, room_id, event_type, endpoint_url, endpoint_secret, state,
	attempt_count, first_attempt_at, attempt_started_at, next_attempt_at,
	last_status_code, last_error, created_at, updated_at`

const terminalStates = `('succeeded', 'failed_permanent', 'failed_exhausted', 'cancelled')`

var _ delivery.Store = (*Store)(nil)

func scanPair(row pgx.Row) (delivery.Pair, error) {
	var (
		p                      delivery.Pair
		state                  string
		first, started, nextAt pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.EventID, &p.RoomID, &p.EventType, &p.Destination.URL, &p.Destination.Secret,
		&state, &p.AttemptCount, &first, &started, &nextAt,
		&p.LastStatusCode, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return delivery.Pair{}, err
	}
	p.State = delivery.State(state)
	p.FirstAttemptAt = timeOf(first)
	p.AttemptStartedAt = timeOf(started)
	p.NextAttemptAt = timeOf(nextAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func collectPairs(rows pgx.Rows) ([]delivery.Pair, error) {
	defer rows.Close()
	var out []delivery.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateEvent inserts ev and p in one transaction. With an idempotency key
// a conflicting insert is ignored and the stored event and its pair are
// returned instead.
func (s *Store) CreateEvent(ctx context.Context, ev delivery.Event, p delivery.Pair) (delivery.Event, delivery.Pair, bool, error) {
	source, err := json.Marshal(ev.Source)
	if err != nil {
		return delivery.Event{}, delivery.Pair{}, false, fmt.Errorf("marshal event source: %w", err)
	}

	var (
		storedEv   delivery.Event
		storedPair delivery.Pair
		created    bool
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			INSERT INTO roomhook.events(id, event_type, subject_id, owner_id, occurred_at, source, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
			ON CONFLICT ON CONSTRAINT uq_events_owner_idem DO NOTHING`,
			ev.ID, ev.Type, ev.SubjectID, ev.OwnerID, ev.OccurredAt.UTC(), string(source),
			nullText(ev.IdempotencyKey), ev.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if ct.RowsAffected() == 0 {
			// duplicate idempotency key
			storedEv, err = getEventBy(ctx, tx, `owner_id = $1 AND idempotency_key = $2`, ev.OwnerID, ev.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("select existing event: %w", err)
			}
			storedPair, err = scanPair(tx.QueryRow(ctx, `
				SELECT `+pairColumns+` FROM roomhook.delivery_pairs
				WHERE event_id = $1 ORDER BY created_at LIMIT 1`, storedEv.ID))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("select existing pair: %w", err)
			}
			return nil
		}

		storedPair, err = scanPair(tx.QueryRow(ctx, `
			INSERT INTO roomhook.delivery_pairs(id, event_id, room_id, event_type, endpoint_url, endpoint_secret,
				state, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+pairColumns,
			p.ID, ev.ID, p.RoomID, p.EventType, p.Destination.URL, p.Destination.Secret,
			string(p.State), p.AttemptCount, nullTime(p.NextAttemptAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		))
		if err != nil {
			return fmt.Errorf("insert pair: %w", err)
		}
		storedEv = ev
		created = true
		return nil
	})
	if err != nil {
		return delivery.Event{}, delivery.Pair{}, false, err
	}
	return storedEv, storedPair, created, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (delivery.Event, error) {
	ev, err := getEventBy(ctx, s.pool, `id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Event{}, delivery.ErrEventNotFound
	}
	return ev, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEventBy(ctx context.Context, q querier, where string, args ...any) (delivery.Event, error) {
	var (
		ev     delivery.Event
		source []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, event_type, subject_id, owner_id, occurred_at, source,
			COALESCE(idempotency_key, ''), created_at
		FROM roomhook.events WHERE `+where, args...,
	).Scan(&ev.ID, &ev.Type, &ev.SubjectID, &ev.OwnerID, &ev.OccurredAt, &source, &ev.IdempotencyKey, &ev.CreatedAt)
	if err != nil {
		return delivery.Event{}, err
	}
	if err := json.Unmarshal(source, &ev.Source); err != nil {
		return delivery.Event{}, fmt.Errorf("decode event source: %w", err)
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *Store) GetPair(ctx context.Context, id string) (delivery.Pair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx, `SELECT `+pairColumns+` FROM roomhook.delivery_pairs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Pair{}, delivery.ErrPairNotFound
	}
	return p, err
}

// BeginAttempt claims attempt n with a conditional update on state and
// attempt_count. Losing the claim is reported as ErrAttemptConflict, or
// ErrStatusTransitionDenied when the pair is terminal.
func (s *Store) BeginAttempt(ctx context.Context, pairID string, n int, scheduledAt, now time.Time) (delivery.Pair, error) {
	var p delivery.Pair
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		p, err = scanPair(tx.QueryRow(ctx, `
			UPDATE roomhook.delivery_pairs
			SET state = 'attempting',
				attempt_count = $2,
				first_attempt_at = COALESCE(first_attempt_at, $3),
				attempt_started_at = $3,
				next_attempt_at = NULL,
				updated_at = $3
			WHERE id = $1 AND state IN ('pending', 'retrying') AND attempt_count = $2 - 1
			RETURNING `+pairColumns,
			pairID, n, now.UTC(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return claimError(ctx, tx, pairID)
		}
		if err != nil {
			return fmt.Errorf("claim attempt: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO roomhook.delivery_attempts(pair_id, attempt, scheduled_at, executed_at, outcome)
			VALUES ($1, $2, $3, $4, $5)`,
			pairID, n, nullTime(scheduledAt), now.UTC(), string(delivery.OutcomePending),
		); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return delivery.Pair{}, err
	}
	return p, nil
}

func claimError(ctx context.Context, q querier, pairID string) error {
	var state string
	err := q.QueryRow(ctx, `SELECT state FROM roomhook.delivery_pairs WHERE id = $1`, pairID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.ErrPairNotFound
	}
	if err != nil {
		return fmt.Errorf("read pair state: %w", err)
	}
	if delivery.State(state).Terminal() {
		return delivery.ErrStatusTransitionDenied
	}
	return delivery.ErrAttemptConflict
}

// FinishAttempt writes the attempt outcome and then updates the pair only if
// it is still attempting n. The attempt row is committed either way.
func (s *Store) FinishAttempt(ctx context.Context, f delivery.Finish) (delivery.Pair, error) {
	var (
		p       delivery.Pair
		outcome error
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO roomhook.delivery_attempts(pair_id, attempt, outcome, status_code, error, latency_ms, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (pair_id, attempt) DO UPDATE
			SET outcome = EXCLUDED.outcome,
				status_code = EXCLUDED.status_code,
				error = EXCLUDED.error,
				latency_ms = EXCLUDED.latency_ms,
				finished_at = EXCLUDED.finished_at
			WHERE roomhook.delivery_attempts.outcome = 'pending'`,
			f.PairID, f.Attempt, string(f.Outcome), f.StatusCode, f.Error, f.Latency.Milliseconds(), f.FinishedAt.UTC(),
		); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}

		var err error
		p, err = scanPair(tx.QueryRow(ctx, `
			UPDATE roomhook.delivery_pairs
			SET state = $3,
				last_status_code = $4,
				last_error = $5,
				next_attempt_at = $6,
				updated_at = $7
			WHERE id = $1 AND state = 'attempting' AND attempt_count = $2
			RETURNING `+pairColumns,
			f.PairID, f.Attempt, string(f.State), f.StatusCode, f.Error, nullTime(f.NextAttemptAt), f.FinishedAt.UTC(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			p, err = scanPair(tx.QueryRow(ctx, `SELECT `+pairColumns+` FROM roomhook.delivery_pairs WHERE id = $1`, f.PairID))
			if err != nil {
				return fmt.Errorf("read pair: %w", err)
			}
			if p.State.Terminal() {
				outcome = delivery.ErrStatusTransitionDenied
			} else {
				outcome = delivery.ErrAttemptConflict
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("update pair: %w", err)
		}
		return nil
	})
	if err != nil {
		return delivery.Pair{}, err
	}
	return p, outcome
}

func (s *Store) CancelPair(ctx context.Context, pairID string, now time.Time) (delivery.Pair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx, `
		UPDATE roomhook.delivery_pairs
		SET state = 'cancelled', next_attempt_at = NULL, updated_at = $2
		WHERE id = $1 AND state NOT IN `+terminalStates+`
		RETURNING `+pairColumns,
		pairID, now.UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetPair(ctx, pairID)
		if err != nil {
			return delivery.Pair{}, err
		}
		return current, delivery.ErrStatusTransitionDenied
	}
	if err != nil {
		return delivery.Pair{}, fmt.Errorf("cancel pair: %w", err)
	}
	return p, nil
}

func (s *Store) CancelRoomPairs(ctx context.Context, roomID string, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE roomhook.delivery_pairs
		SET state = 'cancelled', next_attempt_at = NULL, updated_at = $2
		WHERE room_id = $1 AND state NOT IN `+terminalStates,
		roomID, now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel room pairs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// TouchOverdue moves next_attempt_at of a pending or retrying pair from prev
// to next. A pair that changed since it was listed is reported as
// ErrAttemptConflict, or ErrStatusTransitionDenied when it is terminal.
func (s *Store) TouchOverdue(ctx context.Context, pairID string, prev, next time.Time) (delivery.Pair, error) {
	p, err := scanPair(s.pool.QueryRow(ctx, `
		UPDATE roomhook.delivery_pairs
		SET next_attempt_at = $3, updated_at = $3
		WHERE id = $1 AND state IN ('pending', 'retrying') AND next_attempt_at IS NOT DISTINCT FROM $2
		RETURNING `+pairColumns,
		pairID, nullTime(prev), next.UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Pair{}, claimError(ctx, s.pool, pairID)
	}
	if err != nil {
		return delivery.Pair{}, fmt.Errorf("touch overdue pair: %w", err)
	}
	return p, nil
}

// ListStaleAttempts returns attempting pairs started before cutoff, oldest first.
func (s *Store) ListStaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]delivery.Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairColumns+` FROM roomhook.delivery_pairs
		WHERE state = 'attempting' AND attempt_started_at < $1
		ORDER BY attempt_started_at
		LIMIT $2`, cutoff.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	return collectPairs(rows)
}

// ListOverdue returns pending or retrying pairs due before cutoff.
func (s *Store) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]delivery.Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairColumns+` FROM roomhook.delivery_pairs
		WHERE state IN ('pending', 'retrying') AND next_attempt_at < $1
		ORDER BY next_attempt_at
		LIMIT $2`, cutoff.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list overdue pairs: %w", err)
	}
	return collectPairs(rows)
}

func (s *Store) ListPairsByEvent(ctx context.Context, eventID string) ([]delivery.Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairColumns+` FROM roomhook.delivery_pairs
		WHERE event_id = $1 ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return collectPairs(rows)
}

func (s *Store) ListAttempts(ctx context.Context, pairID string) ([]delivery.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pair_id, attempt, scheduled_at, executed_at, finished_at, outcome, status_code, error, latency_ms
		FROM roomhook.delivery_attempts
		WHERE pair_id = $1 ORDER BY attempt`, pairID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a                             delivery.Attempt
			outcome                       string
			scheduled, executed, finished pgtype.Timestamptz
			latencyMS                     int64
		)
		if err := rows.Scan(&a.PairID, &a.Number, &scheduled, &executed, &finished,
			&outcome, &a.StatusCode, &a.Error, &latencyMS); err != nil {
			return nil, err
		}
		a.Outcome = delivery.Outcome(outcome)
		a.ScheduledAt = timeOf(scheduled)
		a.ExecutedAt = timeOf(executed)
		a.FinishedAt = timeOf(finished)
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}
