package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func check(name string, err error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return err }}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Checker
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedChecks     map[string]string
	}{
		{
			name:               "healthy with no checks",
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "healthy with working dependencies",
			checks:             []Checker{check("database", nil), check("redis", nil)},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
			expectedChecks:     map[string]string{"database": "ok", "redis": "ok"},
		},
		{
			name:               "unhealthy with database ping failure",
			checks:             []Checker{check("database", context.DeadlineExceeded), check("redis", nil)},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "database ping failed",
			expectedChecks:     map[string]string{"database": context.DeadlineExceeded.Error(), "redis": "ok"},
		},
		{
			name:               "unhealthy with redis failure",
			checks:             []Checker{check("redis", errors.New("connection refused"))},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "redis ping failed",
			expectedChecks:     map[string]string{"redis": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks...)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
			if status.Message != tt.expectedMessage {
				t.Errorf("Status.Message = %q, want %q", status.Message, tt.expectedMessage)
			}
			if len(status.Checks) != len(tt.expectedChecks) {
				t.Errorf("Status.Checks = %v, want %v", status.Checks, tt.expectedChecks)
			}
			for k, v := range tt.expectedChecks {
				if status.Checks[k] != v {
					t.Errorf("Status.Checks[%s] = %q, want %q", k, status.Checks[k], v)
				}
			}
		})
	}
}

func TestNilDependenciesHaveNoCheckers(t *testing.T) {
	if c := Database(nil); c != nil {
		t.Errorf("Database(nil) = %v", c)
	}
	if c := Redis(nil); c != nil {
		t.Errorf("Redis(nil) = %v", c)
	}
}

func TestEvaluate_CheckTimeout(t *testing.T) {
	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}}
	start := time.Now()
	st := Evaluate(context.Background(), slow)
	if st.OK {
		t.Error("slow check should fail")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("check was not bounded")
	}
}
