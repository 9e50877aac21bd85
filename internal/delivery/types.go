package delivery

import (
	"time"

	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/payload"
)

// State is the lifecycle position of a Pair.
type State string

const (
	StatePending         State = "pending"
	StateAttempting      State = "attempting"
	StateRetrying        State = "retrying"
	StateSucceeded       State = "succeeded"
	StateFailedPermanent State = "failed_permanent"
	StateFailedExhausted State = "failed_exhausted"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further attempt may run for the pair.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedPermanent, StateFailedExhausted, StateCancelled:
		return true
	}
	return false
}

// Outcome is recorded on each Attempt.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeRetrying        Outcome = "retrying"
	OutcomeFailedPermanent Outcome = "failed_permanent"
	OutcomeFailedExhausted Outcome = "failed_exhausted"
)

// Event is an immutable completed-job fact. Source is kept rather than the
// rendered document so the payload is rebuilt, and re-validated, per attempt.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"event_type"`
	SubjectID      string         `json:"subject_id"`
	OwnerID        string         `json:"owner_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Source         payload.Source `json:"-"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Pair is one (Event, Destination) combination and carries its retry state.
// Destination is the snapshot taken when the event was created.
type Pair struct {
	ID               string                  `json:"id"`
	EventID          string                  `json:"event_id"`
	RoomID           string                  `json:"room_id"`
	EventType        string                  `json:"event_type"`
	Destination      destination.Destination `json:"-"`
	State            State                   `json:"state"`
	AttemptCount     int                     `json:"attempt_count"`
	FirstAttemptAt   time.Time               `json:"first_attempt_at,omitzero"`
	AttemptStartedAt time.Time               `json:"attempt_started_at,omitzero"`
	NextAttemptAt    time.Time               `json:"next_attempt_at,omitzero"`
	LastStatusCode   int                     `json:"last_status_code,omitempty"`
	LastError        string                  `json:"last_error,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// EndpointURL is the snapshot URL, safe to expose.
func (p Pair) EndpointURL() string {
	return p.Destination.URL
}

// Attempt is the audit record of one try. Rows are kept after the pair
// terminates.
type Attempt struct {
	PairID      string        `json:"pair_id"`
	Number      int           `json:"attempt"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	ExecutedAt  time.Time     `json:"executed_at"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	Outcome     Outcome       `json:"outcome"`
	StatusCode  int           `json:"status_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency_ns,omitempty"`
}

// Finish describes how an in-flight attempt closes.
type Finish struct {
	PairID        string
	Attempt       int
	Outcome       Outcome
	State         State
	StatusCode    int
	Error         string
	Latency       time.Duration
	FinishedAt    time.Time
	NextAttemptAt time.Time // zero unless State is retrying
}

func stateFor(o Outcome) State {
	switch o {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeRetrying:
		return StateRetrying
	case OutcomeFailedPermanent:
		return StateFailedPermanent
	case OutcomeFailedExhausted:
		return StateFailedExhausted
	}
	return StateAttempting
}
