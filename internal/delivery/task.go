package delivery

import "time"

// Task is the NSQ message body for one scheduled attempt of one pair.
type Task struct {
	PairID       string            `json:"pair_id"`
	EventID      string            `json:"event_id"`
	Attempt      int               `json:"attempt"`
	ScheduledAt  string            `json:"scheduled_at"`            // RFC3339
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask builds the task for attempt n of p, due at scheduledAt.
func NewTask(p Pair, n int, scheduledAt time.Time, traceHeaders map[string]string) Task {
	return Task{
		PairID:       p.ID,
		EventID:      p.EventID,
		Attempt:      n,
		ScheduledAt:  scheduledAt.UTC().Format(time.RFC3339Nano),
		PublishedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		TraceHeaders: traceHeaders,
	}
}

// ScheduledTime parses ScheduledAt, falling back to fallback when it is
// missing or malformed.
func (t Task) ScheduledTime(fallback time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, t.ScheduledAt); err == nil {
		return ts
	}
	return fallback
}
