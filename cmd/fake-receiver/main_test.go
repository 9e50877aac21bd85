package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/roomhook/internal/config"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/signing"
)

const testBody = `{"event":"transcript.completed","timestamp":"2026-01-02T03:04:05Z","job":{"id":"tr-1"},"owner":{"id":"room-1"}}`

func newTestReceiver(cfg config.FakeReceiver, now time.Time) *receiver {
	rv := newReceiver(cfg, logging.New("fake-receiver-test"))
	rv.now = func() time.Time { return now }
	return rv
}

func post(rv *receiver, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleHook(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signed := map[string]string{signing.HeaderName: signing.SignHeader("test-secret", now.Unix(), []byte(testBody))}

	tests := []struct {
		name                 string
		cfg                  config.FakeReceiver
		headers              map[string]string
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful request",
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first request",
			cfg:                  config.FakeReceiver{FailFirstN: 1},
			expectedStatus:       http.StatusServiceUnavailable,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "custom failure status",
			cfg:                  config.FakeReceiver{FailFirstN: 1, FailStatus: http.StatusBadRequest},
			expectedStatus:       http.StatusBadRequest,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "missing signature with secret configured",
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name:                 "wrong secret",
			cfg:                  config.FakeReceiver{EndpointSecret: "other-secret", SigningLeewaySeconds: 300},
			headers:              signed,
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name:                 "valid signature with secret",
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			headers:              signed,
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(newTestReceiver(tt.cfg, now), testBody, tt.headers)
			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.expectedBodyContains) {
				t.Errorf("body %q missing %q", rec.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestHandleHookOutsideLeeway(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0)
	rv := newTestReceiver(config.FakeReceiver{EndpointSecret: "s", SigningLeewaySeconds: 60}, signedAt.Add(2*time.Minute))
	rec := post(rv, testBody, map[string]string{signing.HeaderName: signing.SignHeader("s", signedAt.Unix(), []byte(testBody))})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestFailFirstNThenSucceed(t *testing.T) {
	rv := newTestReceiver(config.FakeReceiver{FailFirstN: 2}, time.Now())
	want := []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK, http.StatusOK}
	for i, code := range want {
		if got := post(rv, testBody, nil).Code; got != code {
			t.Errorf("request %d: status = %d, want %d", i+1, got, code)
		}
	}
	if got := rv.seen["transcript.completed:tr-1"]; got != 2 {
		t.Errorf("accepted deliveries = %d, want 2", got)
	}
}

func TestHandleHookRejectsGet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/hook", nil)
	rec := httptest.NewRecorder()
	newTestReceiver(config.FakeReceiver{}, time.Now()).routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealthzHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	newTestReceiver(config.FakeReceiver{}, time.Now()).routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz handler status = %d, want %d", w.Code, http.StatusOK)
	}
	if expected := `{"ok":true}`; w.Body.String() != expected {
		t.Errorf("healthz handler body = %q, want %q", w.Body.String(), expected)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		n        int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.expected)
		}
	}
}
