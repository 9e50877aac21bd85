package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/signing"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

type recordingReceiver struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	respBody string
}

func (r *recordingReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, capturedRequest{header: req.Header.Clone(), body: body})
	status, respBody := r.status, r.respBody
	r.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func (r *recordingReceiver) last(t *testing.T) capturedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		t.Fatal("receiver got no requests")
	}
	return r.requests[len(r.requests)-1]
}

func testEvent() Event {
	created := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	return Event{
		ID:         "evt-1",
		Type:       payload.EventTranscriptCompleted,
		SubjectID:  "test-transcript",
		OwnerID:    "room-1",
		OccurredAt: created.Add(time.Minute),
		Source:     payload.SampleSource(payload.Room{ID: "room-1", Name: "Standup"}, created),
	}
}

func TestExecutor_SuccessSignsExactBody(t *testing.T) {
	rcv := &recordingReceiver{status: http.StatusOK}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	fixed := time.Unix(1_767_000_000, 0)
	x := NewExecutor(5*time.Second, "").WithClock(func() time.Time { return fixed })
	dest := destination.Destination{URL: srv.URL, Secret: "whsec_test"}

	res, err := x.Execute(context.Background(), dest, testEvent(), 2)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Class != ClassSuccess || res.StatusCode != 200 || res.Error != "" {
		t.Errorf("Execute() = %+v, want success", res)
	}

	req := rcv.last(t)
	sig := req.header.Get(signing.HeaderName)
	if !signing.Verify("whsec_test", sig, req.body) {
		t.Errorf("signature %q does not verify against received body", sig)
	}
	ts, _, err := signing.ParseHeader(sig)
	if err != nil || ts != fixed.Unix() {
		t.Errorf("signature timestamp = %d (%v), want %d", ts, err, fixed.Unix())
	}
	if got := req.header.Get(HeaderEvent); got != payload.EventTranscriptCompleted {
		t.Errorf("%s = %q", HeaderEvent, got)
	}
	if got := req.header.Get(HeaderRetry); got != "2" {
		t.Errorf("%s = %q, want 2", HeaderRetry, got)
	}
	if got := req.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := req.header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent = %q", got)
	}

	var doc payload.Document
	if err := json.Unmarshal(req.body, &doc); err != nil {
		t.Fatalf("body is not a document: %v", err)
	}
	if doc.Event != payload.EventTranscriptCompleted || doc.Job.ID != "test-transcript" || doc.Owner.ID != "room-1" {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestExecutor_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		respBody   string
		wantClass  Class
		wantReason string
		wantError  string
	}{
		{name: "503 transient", status: 503, respBody: "maintenance", wantClass: ClassTransient, wantReason: "http_5xx", wantError: "http 503: maintenance"},
		{name: "429 transient", status: 429, wantClass: ClassTransient, wantReason: "http_429", wantError: "http 429"},
		{name: "422 permanent", status: 422, respBody: "bad payload\n", wantClass: ClassPermanent, wantReason: "http_4xx", wantError: "http 422: bad payload"},
		{name: "204 success", status: 204, wantClass: ClassSuccess, wantReason: "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(&recordingReceiver{status: tt.status, respBody: tt.respBody})
			defer srv.Close()

			res, err := NewExecutor(time.Second, "").Execute(context.Background(),
				destination.Destination{URL: srv.URL, Secret: "s"}, testEvent(), 1)
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if res.Class != tt.wantClass || res.Reason != tt.wantReason || res.StatusCode != tt.status {
				t.Errorf("Execute() = %+v", res)
			}
			if res.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestExecutor_TruncatesDiagnosticBody(t *testing.T) {
	srv := httptest.NewServer(&recordingReceiver{status: 500, respBody: strings.Repeat("x", 10_000)})
	defer srv.Close()

	res, err := NewExecutor(time.Second, "").Execute(context.Background(),
		destination.Destination{URL: srv.URL, Secret: "s"}, testEvent(), 1)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(res.Error) > maxDiagnosticBody+len("http 500: ") {
		t.Errorf("diagnostic length = %d, want <= %d", len(res.Error), maxDiagnosticBody+len("http 500: "))
	}
}

func TestExecutor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res, err := NewExecutor(time.Second, "").Execute(context.Background(),
		destination.Destination{URL: url, Secret: "s"}, testEvent(), 1)
	if err != nil {
		t.Fatalf("Execute() returned error for network failure: %v", err)
	}
	if res.Class != ClassTransient {
		t.Errorf("Class = %s, want transient", res.Class)
	}
	if res.StatusCode != 0 || res.Error == "" {
		t.Errorf("Execute() = %+v, want error text and no status", res)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res, err := NewExecutor(50*time.Millisecond, "").Execute(context.Background(),
		destination.Destination{URL: srv.URL, Secret: "s"}, testEvent(), 1)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Class != ClassTransient || res.Reason != "timeout" {
		t.Errorf("Execute() = %+v, want transient timeout", res)
	}
}

func TestExecutor_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		dest    destination.Destination
		wantErr error
	}{
		{name: "no url", dest: destination.Destination{Secret: "s"}, wantErr: ErrNoEndpoint},
		{name: "no secret", dest: destination.Destination{URL: "https://example.com"}, wantErr: ErrNoSecret},
		{name: "bad scheme", dest: destination.Destination{URL: "ftp://example.com", Secret: "s"}, wantErr: ErrInvalidEndpoint},
		{name: "relative url", dest: destination.Destination{URL: "hooks/in", Secret: "s"}, wantErr: ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(time.Second, "").Execute(context.Background(), tt.dest, testEvent(), 1)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecutor_IncompletePayloadIsProducerFault(t *testing.T) {
	rcv := &recordingReceiver{status: 200}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	ev := testEvent()
	ev.Source.Transcript.ID = ""

	res, err := NewExecutor(time.Second, "").Execute(context.Background(),
		destination.Destination{URL: srv.URL, Secret: "s"}, ev, 1)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Class != ClassProducer || res.Reason != "payload_incomplete" {
		t.Errorf("Execute() = %+v, want producer fault", res)
	}
	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	if len(rcv.requests) != 0 {
		t.Error("no request should be sent for an incomplete payload")
	}
}
