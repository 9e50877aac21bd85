// Package runner is the NSQ-backed task runner: deferred publishes schedule
// attempts and a consumer executes them.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/tracing"
)

// MaxDefer is nsqd's default --max-req-timeout. Longer waits are split; the
// orchestrator re-defers a task that arrives before the pair is due.
const MaxDefer = time.Hour

// Publisher is the subset of *nsq.Producer the runner needs.
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Scheduler implements delivery.Scheduler on an NSQ topic.
type Scheduler struct {
	pub      Publisher
	topic    string
	maxDefer time.Duration
}

func NewScheduler(pub Publisher, topic string) *Scheduler {
	return &Scheduler{pub: pub, topic: topic, maxDefer: MaxDefer}
}

func (s *Scheduler) Schedule(ctx context.Context, t delivery.Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if delay > s.maxDefer {
		delay = s.maxDefer
	}
	if delay <= 0 {
		err = s.pub.Publish(s.topic, body)
	} else {
		err = s.pub.DeferredPublish(s.topic, delay, body)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published",
		attribute.String("topic", s.topic),
		attribute.Int("attempt", t.Attempt),
		attribute.String("delay", delay.String()),
	)
	return nil
}
