package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_events_created_total",
			Help: "Total number of events that produced a delivery pair, by event type.",
		},
		[]string{"event_type"},
	)

	EventsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_events_skipped_total",
			Help: "Events not delivered because the owner has no destination configured.",
		},
		[]string{"event_type"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_delivery_attempts_total",
			Help: "Delivery attempts by classified outcome.",
		},
		[]string{"class"}, // success, transient, permanent, producer
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_retries_total",
			Help: "Retries scheduled, by failure reason.",
		},
		[]string{"reason"}, // http_5xx, http_429, timeout, network, interrupted, ...
	)

	TerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_deliveries_terminal_total",
			Help: "Delivery pairs reaching a terminal state.",
		},
		[]string{"state"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_dead_letters_total",
			Help: "Dead letters emitted for failed pairs, by stop reason.",
		},
		[]string{"reason"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomhook_delivery_latency_seconds",
			Help:    "Latency of webhook HTTP attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"class"},
	)

	WebhookTestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_webhook_tests_total",
			Help: "Operator-triggered destination tests, by result kind.",
		},
		[]string{"kind"},
	)

	ReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhook_reconciled_total",
			Help: "Pairs picked up by the reconciler, by action.",
		},
		[]string{"action"}, // resumed, recovered, failed
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhook_worker_backlog",
			Help: "Messages waiting in the worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomhook_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsCreatedTotal,
		EventsSkippedTotal,
		AttemptsTotal,
		RetriesTotal,
		TerminalTotal,
		DeadLettersTotal,
		DeliveryLatency,
		WebhookTestsTotal,
		ReconciledTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

func RecordEventCreated(eventType string) {
	EventsCreatedTotal.WithLabelValues(eventType).Inc()
}

func RecordEventSkipped(eventType string) {
	EventsSkippedTotal.WithLabelValues(eventType).Inc()
}

// RecordAttempt counts an attempt and, when it reached the network, its latency.
func RecordAttempt(class string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(class).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(class).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordTerminal(state string) {
	TerminalTotal.WithLabelValues(state).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func RecordWebhookTest(kind string) {
	WebhookTestsTotal.WithLabelValues(kind).Inc()
}

func RecordReconciled(action string) {
	ReconciledTotal.WithLabelValues(action).Inc()
}

func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
