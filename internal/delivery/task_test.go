package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewTask(t *testing.T) {
	p := Pair{ID: "pair-1", EventID: "evt-1"}
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	headers := map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	task := NewTask(p, 3, at, headers)
	if task.PairID != "pair-1" || task.EventID != "evt-1" || task.Attempt != 3 {
		t.Errorf("NewTask() = %+v", task)
	}
	if got := task.ScheduledTime(time.Time{}); !got.Equal(at) {
		t.Errorf("ScheduledTime() = %v, want %v", got, at)
	}
	if task.PublishedAt == "" {
		t.Error("PublishedAt not set")
	}

	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded.TraceHeaders["traceparent"] != headers["traceparent"] {
		t.Errorf("trace headers lost: %v", decoded.TraceHeaders)
	}
}

func TestTaskScheduledTimeFallback(t *testing.T) {
	fallback := time.Unix(1000, 0)
	for _, raw := range []string{"", "yesterday"} {
		if got := (Task{ScheduledAt: raw}).ScheduledTime(fallback); !got.Equal(fallback) {
			t.Errorf("ScheduledTime(%q) = %v, want fallback", raw, got)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StatePending:         false,
		StateAttempting:      false,
		StateRetrying:        false,
		StateSucceeded:       true,
		StateFailedPermanent: true,
		StateFailedExhausted: true,
		StateCancelled:       true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}
