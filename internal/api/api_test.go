package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/room"
	"github.com/austindbirch/roomhook/internal/signing"
	"github.com/austindbirch/roomhook/internal/testutil"
	"github.com/austindbirch/roomhook/internal/validation"
)

type testServer struct {
	srv       *Server
	store     *testutil.MemoryStore
	rooms     *testutil.MemoryRooms
	scheduler *testutil.RecordingScheduler
}

func newTestServer(t *testing.T, limit echo.MiddlewareFunc) *testServer {
	t.Helper()
	ts := &testServer{
		store:     testutil.NewMemoryStore(),
		rooms:     testutil.NewMemoryRooms(),
		scheduler: &testutil.RecordingScheduler{},
	}
	exec := delivery.NewExecutor(2*time.Second, "")
	orch := delivery.NewOrchestrator(ts.store, ts.scheduler, exec, delivery.DefaultRetryPolicy())
	deps := Deps{
		Rooms:        room.NewService(ts.rooms, orch),
		Orchestrator: orch,
		Validation:   validation.NewService(exec),
		Deliveries:   ts.store,
		Auth:         auth.HeaderMiddleware(),
		Gatherer:     prometheus.NewRegistry(),
	}
	if limit != nil {
		deps.TestLimit = limit
	}
	ts.srv = NewServer(deps)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRoomLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPut, "/v1/rooms/r1", "alice", roomReq{Name: "Standup", WebhookURL: "https://hooks.example.com/in"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT room = %d %s", rec.Code, rec.Body)
	}
	created := decode[room.Room](t, rec)
	if created.Destination.Secret == "" {
		t.Fatal("secret should be generated when a url is set")
	}

	rec = ts.do(t, http.MethodGet, "/v1/rooms/r1", "alice", nil)
	if got := decode[room.Room](t, rec); rec.Code != http.StatusOK || got.Destination.Secret != created.Destination.Secret {
		t.Errorf("GET room = %d %+v", rec.Code, got)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/rooms/r1", "mallory", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET foreign room = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/rooms/r1/webhook/rotate", "alice", nil)
	rotated := decode[room.Room](t, rec)
	if rec.Code != http.StatusOK || rotated.Destination.Secret == created.Destination.Secret {
		t.Errorf("rotate = %d, secret unchanged=%v", rec.Code, rotated.Destination.Secret == created.Destination.Secret)
	}

	if rec := ts.do(t, http.MethodDelete, "/v1/rooms/r1", "alice", nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE room = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/rooms/r1", "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted room = %d, want 404", rec.Code)
	}
}

func TestRoomErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       any
		wantStatus int
	}{
		{name: "no user", method: http.MethodGet, path: "/v1/rooms/r1", wantStatus: http.StatusUnauthorized},
		{name: "missing room", method: http.MethodGet, path: "/v1/rooms/nope", user: "alice", wantStatus: http.StatusNotFound},
		{name: "invalid url", method: http.MethodPut, path: "/v1/rooms/r2", user: "alice", body: roomReq{WebhookURL: "ftp://x"}, wantStatus: http.StatusBadRequest},
		{name: "rotate without url", method: http.MethodPost, path: "/v1/rooms/r3/webhook/rotate", user: "alice", wantStatus: http.StatusConflict},
	}
	if rec := ts.do(t, http.MethodPut, "/v1/rooms/r3", "alice", roomReq{Name: "no hook"}); rec.Code != http.StatusOK {
		t.Fatalf("setup PUT = %d", rec.Code)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d %s, want %d", tt.method, tt.path, rec.Code, rec.Body, tt.wantStatus)
			}
			if eb := decode[errorBody](t, rec); eb.Error == "" {
				t.Error("error body should carry a message")
			}
		})
	}
}

func TestTranscriptCompletedAndDeliveries(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPut, "/v1/rooms/r1", "alice", roomReq{Name: "Standup", WebhookURL: "https://hooks.example.com/in"})

	body := completedReq{RoomID: "r1", OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	body.Transcript.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body.Transcript.Title = "Weekly sync"

	rec := ts.do(t, http.MethodPost, "/v1/transcripts/tr-1/completed", "alice", body, IdempotencyHeader, "job-1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("completed = %d %s", rec.Code, rec.Body)
	}
	resp := decode[completedResp](t, rec)
	if !resp.Enqueued || resp.EventID == "" || resp.PairID == "" {
		t.Fatalf("completed resp = %+v", resp)
	}
	if len(ts.scheduler.Calls()) != 1 {
		t.Errorf("scheduled %d tasks, want 1", len(ts.scheduler.Calls()))
	}

	// same idempotency key
	rec = ts.do(t, http.MethodPost, "/v1/transcripts/tr-1/completed", "alice", body, IdempotencyHeader, "job-1")
	if again := decode[completedResp](t, rec); again.PairID != resp.PairID {
		t.Errorf("duplicate completion created pair %s, want %s", again.PairID, resp.PairID)
	}
	if len(ts.scheduler.Calls()) != 1 {
		t.Errorf("duplicate completion scheduled again")
	}

	ev, err := ts.store.GetEvent(context.Background(), resp.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source.Transcript.ID != "tr-1" || ev.Source.Transcript.RoomID != "r1" || ev.Source.Room.Name != "Standup" {
		t.Errorf("stored source = %+v", ev.Source)
	}

	rec = ts.do(t, http.MethodGet, "/v1/events/"+resp.EventID+"/deliveries", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deliveries = %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "webhook_secret") {
		t.Error("delivery listing leaks the secret")
	}
	listed := decode[struct {
		Deliveries []struct {
			ID          string `json:"id"`
			State       string `json:"state"`
			EndpointURL string `json:"endpoint_url"`
		} `json:"deliveries"`
	}](t, rec)
	if len(listed.Deliveries) != 1 || listed.Deliveries[0].State != "pending" ||
		listed.Deliveries[0].EndpointURL != "https://hooks.example.com/in" {
		t.Errorf("deliveries = %+v", listed.Deliveries)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/events/"+resp.EventID+"/deliveries", "mallory", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign deliveries = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/deliveries/"+resp.PairID+"/cancel", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/deliveries/"+resp.PairID+"/cancel", "alice", nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rec.Code)
	}
}

func TestTranscriptCompletedWithoutDestination(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPut, "/v1/rooms/quiet", "alice", roomReq{Name: "Quiet"})

	rec := ts.do(t, http.MethodPost, "/v1/transcripts/tr-2/completed", "alice", completedReq{RoomID: "quiet"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("completed = %d", rec.Code)
	}
	if resp := decode[completedResp](t, rec); resp.Enqueued || resp.PairID != "" {
		t.Errorf("resp = %+v, want nothing enqueued", resp)
	}
	if len(ts.scheduler.Calls()) != 0 {
		t.Error("no task should be scheduled")
	}

	if rec := ts.do(t, http.MethodPost, "/v1/transcripts/tr-2/completed", "alice", completedReq{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing room_id = %d, want 400", rec.Code)
	}
}

func TestWebhookTestEndpoints(t *testing.T) {
	var (
		mu      sync.Mutex
		lastSig string
		lastBod []byte
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		mu.Lock()
		lastSig, lastBod = r.Header.Get(signing.HeaderName), buf.Bytes()
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/reject") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPut, "/v1/rooms/r1", "alice", roomReq{Name: "Standup", WebhookURL: receiver.URL + "/ok"})
	saved := decode[room.Room](t, rec)

	rec = ts.do(t, http.MethodPost, "/v1/rooms/r1/webhook/test", "alice", nil)
	res := decode[validation.Result](t, rec)
	if rec.Code != http.StatusOK || !res.Success || res.Kind != validation.KindOK {
		t.Fatalf("room test = %d %+v", rec.Code, res)
	}
	mu.Lock()
	if !signing.Verify(saved.Destination.Secret, lastSig, lastBod) {
		t.Error("test delivery not signed with the room secret")
	}
	mu.Unlock()

	tests := []struct {
		name     string
		req      testReq
		wantKind validation.Kind
	}{
		{name: "rejected", req: testReq{WebhookURL: receiver.URL + "/reject"}, wantKind: validation.KindRejected},
		{name: "missing url", req: testReq{}, wantKind: validation.KindMisconfigured},
		{name: "bad url", req: testReq{WebhookURL: "not a url"}, wantKind: validation.KindMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "alice", tt.req)
			res := decode[validation.Result](t, rec)
			if rec.Code != http.StatusOK || res.Success || res.Kind != tt.wantKind {
				t.Errorf("test = %d %+v, want kind %s", rec.Code, res, tt.wantKind)
			}
		})
	}

	pairs, _ := ts.store.ListOverdue(context.Background(), time.Now().Add(time.Hour), 0)
	if len(pairs) != 0 {
		t.Errorf("validation created %d pairs", len(pairs))
	}
}

func TestWebhookTestCustomTranscript(t *testing.T) {
	var (
		mu  sync.Mutex
		doc payload.Document
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&doc)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "alice", testReq{
		WebhookURL: receiver.URL,
		RoomName:   "Standup",
		Transcript: &payload.Transcript{ID: "tr-custom", Title: "Quarterly planning", Duration: 42},
	})
	if res := decode[validation.Result](t, rec); rec.Code != http.StatusOK || !res.Success {
		t.Fatalf("test = %d %+v", rec.Code, res)
	}

	mu.Lock()
	defer mu.Unlock()
	if doc.Job.ID != "tr-custom" || doc.Job.Title != "Quarterly planning" || doc.Job.Duration != 42 {
		t.Errorf("job = %+v, want the supplied transcript", doc.Job)
	}
	if doc.Event != payload.EventTest || doc.Owner.Name != "Standup" {
		t.Errorf("doc = %+v", doc)
	}
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestWebhookTestRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	counter := &fakeCounter{}
	ts := newTestServer(t, RateLimitMiddleware(RateLimitConfig{
		Counter: counter, Limit: 2, Window: time.Minute, Now: func() time.Time { return now },
	}))

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "alice", testReq{}); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "alice", testReq{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "bob", testReq{}); rec.Code != http.StatusOK {
		t.Errorf("other user = %d, want 200", rec.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	ts := newTestServer(t, RateLimitMiddleware(RateLimitConfig{
		Counter: &fakeCounter{err: errors.New("redis down")}, Limit: 1,
	}))
	for i := 0; i < 3; i++ {
		if rec := ts.do(t, http.MethodPost, "/v1/webhooks/test", "alice", testReq{}); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{room.ErrNotFound, http.StatusNotFound},
		{room.ErrForbidden, http.StatusNotFound},
		{delivery.ErrPairNotFound, http.StatusNotFound},
		{room.ErrInvalidID, http.StatusBadRequest},
		{room.ErrNoDestination, http.StatusConflict},
		{delivery.ErrStatusTransitionDenied, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
