package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/roomhook/internal/config"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/logging"
)

// Processor runs one task; delivery.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, t delivery.Task) error
}

// Handler adapts a Processor to nsq.Handler. A Process error requeues the
// message with backoff; everything else finishes it.
type Handler struct {
	proc         Processor
	logger       *logging.Logger
	requeueDelay time.Duration
	timeout      time.Duration
}

func NewHandler(proc Processor, timeout time.Duration) *Handler {
	return &Handler{
		proc:         proc,
		logger:       logging.Default(),
		requeueDelay: 5 * time.Second,
		timeout:      timeout,
	}
}

func (h *Handler) WithLogger(l *logging.Logger) *Handler {
	h.logger = l
	return h
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil || t.PairID == "" || t.Attempt < 1 {
		h.logger.Plain().WithField("message_id", string(m.ID[:])).WithError(err).Error("malformed task dropped")
		m.Finish()
		return nil
	}

	ctx := context.Background()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	m.Touch()

	if err := h.proc.Process(ctx, t); err != nil {
		delay := h.requeueDelay * time.Duration(m.Attempts)
		h.logger.WithContext(ctx).WithDelivery(t.PairID).WithAttempt(t.Attempt).WithError(err).
			WithField("nsq_attempts", m.Attempts).Warn("task failed, requeueing")
		m.Requeue(delay)
		return nil
	}
	m.Finish()
	return nil
}

// NewConsumer builds a consumer for the deliveries topic with one handler
// goroutine per in-flight message and connects it.
func NewConsumer(cfg config.NSQ, h nsq.Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.DeliveriesTopic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(h, max(cfg.MaxInFlight, 1))

	// Connecting directly to nsqd creates the channel before the first publish.
	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if len(cfg.LookupHTTPAddrs) > 0 {
		if err := consumer.ConnectToNSQLookupds(cfg.LookupHTTPAddrs); err != nil {
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}

// NewProducer connects a producer to nsqd and verifies it with a ping.
func NewProducer(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("ping nsqd: %w", err)
	}
	return p, nil
}
