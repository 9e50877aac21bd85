// Package validation runs a single, unrecorded delivery against a
// destination so an operator can check its configuration.
package validation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/metrics"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/tracing"
)

// Kind tells the operator which side is at fault.
type Kind string

const (
	KindOK            Kind = "ok"
	KindUnreachable   Kind = "unreachable"   // network error, timeout, 5xx, 429
	KindRejected      Kind = "rejected"      // receiver answered 4xx
	KindMisconfigured Kind = "misconfigured" // url missing or invalid
)

var ErrNoURL = errors.New("webhook url is not set")

type Result struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       Kind   `json:"kind"`
	LatencyMS  int64  `json:"latency_ms"`
}

// Service never touches delivery state; it only calls the Executor once.
type Service struct {
	executor *delivery.Executor
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(executor *delivery.Executor) *Service {
	return &Service{executor: executor, logger: logging.Default(), now: time.Now}
}

func (s *Service) WithLogger(l *logging.Logger) *Service {
	s.logger = l
	return s
}

// Test sends a "test" event built from a sample transcript for room to
// dest. An unsaved destination without a secret is signed with a throwaway
// one.
func (s *Service) Test(ctx context.Context, dest destination.Destination, room payload.Room) Result {
	return s.TestTranscript(ctx, dest, room, nil)
}

// TestTranscript is Test with tr sent in place of the sample transcript.
// Blank id, room id and created_at are filled in. A nil tr sends the sample.
func (s *Service) TestTranscript(ctx context.Context, dest destination.Destination, room payload.Room, tr *payload.Transcript) Result {
	ctx, span := tracing.StartSpan(ctx, "webhook.test", attribute.String("room_id", room.ID))
	defer span.End()

	res := s.test(ctx, dest, room, tr)
	metrics.RecordWebhookTest(string(res.Kind))
	span.SetAttributes(attribute.String("kind", string(res.Kind)), attribute.Int("status_code", res.StatusCode))

	log := s.logger.WithContext(ctx).WithRoom(room.ID).WithFields(map[string]any{
		"kind":        string(res.Kind),
		"status_code": res.StatusCode,
	})
	if res.Success {
		log.Info("webhook test succeeded")
	} else {
		log.WithField("error", res.Error).Warn("webhook test failed")
	}
	return res
}

func (s *Service) test(ctx context.Context, dest destination.Destination, room payload.Room, tr *payload.Transcript) Result {
	if !dest.Enabled() {
		return Result{Kind: KindMisconfigured, Error: ErrNoURL.Error()}
	}
	prepared, err := destination.Prepare(dest)
	if err != nil {
		return Result{Kind: KindMisconfigured, Error: err.Error()}
	}
	if room.ID == "" {
		room.ID = "test-room"
	}

	now := s.now().UTC()
	src := payload.SampleSource(room, now)
	if tr != nil {
		custom := *tr
		if custom.ID == "" {
			custom.ID = src.Transcript.ID
		}
		if custom.RoomID == "" {
			custom.RoomID = room.ID
		}
		if custom.CreatedAt.IsZero() {
			custom.CreatedAt = now
		}
		src.Transcript = custom
	}
	ev := delivery.Event{
		ID:         "test-" + now.Format("20060102T150405"),
		Type:       payload.EventTest,
		SubjectID:  src.Transcript.ID,
		OwnerID:    room.ID,
		OccurredAt: now,
		Source:     src,
	}

	out, err := s.executor.Execute(ctx, prepared, ev, 1)
	if err != nil {
		return Result{Kind: KindMisconfigured, Error: err.Error()}
	}
	return fromDelivery(out)
}

func fromDelivery(r delivery.Result) Result {
	res := Result{
		Success:    r.Class == delivery.ClassSuccess,
		StatusCode: r.StatusCode,
		Error:      r.Error,
		LatencyMS:  r.Latency.Milliseconds(),
	}
	switch r.Class {
	case delivery.ClassSuccess:
		res.Kind = KindOK
	case delivery.ClassPermanent:
		res.Kind = KindRejected
	case delivery.ClassProducer:
		res.Kind = KindMisconfigured
	default:
		res.Kind = KindUnreachable
	}
	return res
}
