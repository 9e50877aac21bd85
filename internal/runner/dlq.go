package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/tracing"
)

// DeadLetterPublisher implements delivery.DeadLetterSink on an NSQ topic.
type DeadLetterPublisher struct {
	pub   Publisher
	topic string
}

func NewDeadLetterPublisher(pub Publisher, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{pub: pub, topic: topic}
}

func (d *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.pub.Publish(d.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", d.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", d.topic))
	return nil
}
