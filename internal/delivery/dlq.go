package delivery

import (
	"context"
	"time"
)

const DLQType = "delivery.dlq"

// DeadLetter is emitted once when a pair ends failed_permanent or
// failed_exhausted. The signing secret is never included.
type DeadLetter struct {
	Type        string `json:"type"`    // "delivery.dlq"
	Version     string `json:"version"` // schema version
	At          string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason      string `json:"reason"`  // stop reason: permanent, max_attempts, max_age
	State       State  `json:"state"`
	Attempt     int    `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus  int    `json:"http_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	PairID      string `json:"pair_id"`
	EventID     string `json:"event_id"`
	RoomID      string `json:"room_id"`
	EventType   string `json:"event_type"`
	EndpointURL string `json:"endpoint_url"`
}

// DeadLetterSink receives dead letters. Implementations must not block for long.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

func NewDeadLetter(p Pair, reason StopReason, at time.Time) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          at.UTC().Format(time.RFC3339Nano),
		Reason:      string(reason),
		State:       p.State,
		Attempt:     p.AttemptCount,
		HTTPStatus:  p.LastStatusCode,
		LastError:   p.LastError,
		PairID:      p.ID,
		EventID:     p.EventID,
		RoomID:      p.RoomID,
		EventType:   p.EventType,
		EndpointURL: p.EndpointURL(),
	}
}
