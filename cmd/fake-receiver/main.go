package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/roomhook/internal/config"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/signing"
)

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("roomhook-fake-receiver")

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      newReceiver(cfg, logger).routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

// receiver is a webhook endpoint for local runs. It verifies signatures,
// fails the first N requests and notes redeliveries of the same job.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests int
	seen     map[string]int // event:job id -> deliveries accepted
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusServiceUnavailable
	}
	return &receiver{cfg: cfg, logger: logger, now: time.Now, seen: make(map[string]int)}
}

func (rv *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rv.handleHook)
	return mux
}

func (rv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	log := rv.logger.Plain().WithFields(map[string]any{
		"event":    r.Header.Get(delivery.HeaderEvent),
		"retry":    r.Header.Get(delivery.HeaderRetry),
		"trace_id": r.Header.Get("X-Trace-Id"),
	})

	if rv.cfg.EndpointSecret != "" {
		leeway := time.Duration(rv.cfg.SigningLeewaySeconds) * time.Second
		if err := signing.VerifyWithTolerance(rv.cfg.EndpointSecret, r.Header.Get(signing.HeaderName), b, rv.now(), leeway); err != nil {
			log.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rv.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rv.cfg.ResponseDelayMS) * time.Millisecond)
	}

	n := rv.count()
	if n <= rv.cfg.FailFirstN {
		log.WithField("request", n).Infof("failing (%d/%d) body=%s", n, rv.cfg.FailFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", rv.cfg.FailStatus)
		return
	}

	var doc payload.Document
	if err := json.Unmarshal(b, &doc); err == nil && doc.Job.ID != "" {
		if times := rv.accept(doc.Event + ":" + doc.Job.ID); times > 1 {
			log.WithField("job_id", doc.Job.ID).WithField("times", times).Info("duplicate delivery")
		}
	}

	log.WithField("request", n).Infof("accepted body=%s", truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rv *receiver) count() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.requests++
	return rv.requests
}

func (rv *receiver) accept(key string) int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.seen[key]++
	return rv.seen[key]
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
