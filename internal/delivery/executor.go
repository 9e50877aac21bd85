package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/signing"
	"github.com/austindbirch/roomhook/internal/tracing"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "roomhook-webhooks/1.0"

	HeaderEvent = "X-Webhook-Event"
	HeaderRetry = "X-Webhook-Retry"

	maxDiagnosticBody = 1024
)

// Configuration faults. Ordinary network and HTTP failures are never
// returned as errors; they are classified into the Result.
var (
	ErrNoEndpoint      = errors.New("destination has no endpoint url")
	ErrNoSecret        = errors.New("destination has no signing secret")
	ErrInvalidEndpoint = errors.New("destination endpoint url is invalid")
)

// Result is the classified outcome of one HTTP attempt.
type Result struct {
	Class      Class
	Reason     string // timeout, http_5xx, payload_incomplete, ...
	StatusCode int
	Error      string // diagnostic summary, empty on success
	Latency    time.Duration
}

// Executor performs exactly one signed POST per call.
type Executor struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

func NewExecutor(timeout time.Duration, userAgent string) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Executor{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		now:       time.Now,
	}
}

// WithClient replaces the HTTP client, e.g. with an httptest server's client.
func (x *Executor) WithClient(c *http.Client) *Executor {
	x.client = c
	return x
}

// WithClock overrides the signing timestamp source.
func (x *Executor) WithClock(now func() time.Time) *Executor {
	x.now = now
	return x
}

// Execute builds, signs and sends the event document for attempt number
// attempt. The exact bytes that were signed are the bytes sent.
func (x *Executor) Execute(ctx context.Context, dest destination.Destination, ev Event, attempt int) (Result, error) {
	if strings.TrimSpace(dest.URL) == "" {
		return Result{}, ErrNoEndpoint
	}
	if dest.Secret == "" {
		return Result{}, ErrNoSecret
	}
	if err := destination.ValidateURL(dest.URL); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	doc, err := payload.Build(ev.Type, ev.OccurredAt, ev.Source)
	if err != nil {
		if payload.IsIncomplete(err) {
			return Result{Class: ClassProducer, Reason: "payload_incomplete", Error: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("build payload: %w", err)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "webhook.send",
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	ts := x.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", x.userAgent)
	req.Header.Set(signing.HeaderName, signing.SignHeader(dest.Secret, ts, body))
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderRetry, strconv.Itoa(attempt))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := x.client.Do(req)
	latency := time.Since(start)

	if doErr != nil {
		class, reason := Classify(doErr, 0)
		tracing.SetSpanError(ctx, doErr)
		span.SetAttributes(attribute.String("failure_reason", reason))
		return Result{Class: class, Reason: reason, Error: doErr.Error(), Latency: latency}, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	class, reason := Classify(nil, resp.StatusCode)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("class", string(class)),
	)
	res := Result{Class: class, Reason: reason, StatusCode: resp.StatusCode, Latency: latency}
	if class != ClassSuccess {
		res.Error = summarize(resp.StatusCode, snippet)
	}
	return res, nil
}

func summarize(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("http %d", status)
	}
	return fmt.Sprintf("http %d: %s", status, text)
}
