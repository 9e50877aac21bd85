package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/roomhook/internal/config"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/health"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/metrics"
	"github.com/austindbirch/roomhook/internal/reconciler"
	"github.com/austindbirch/roomhook/internal/runner"
	"github.com/austindbirch/roomhook/internal/store"
	"github.com/austindbirch/roomhook/internal/tracing"
)

const (
	serviceName     = "roomhook-worker"
	monitorInterval = 15 * time.Second
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New(serviceName)
	logging.SetDefault(logger)
	defer logger.Sync()

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := store.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	st := store.New(pool)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: newMux(reg, health.Database(pool)...)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	producer, err := runner.NewProducer(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	orch := delivery.NewOrchestrator(
		st,
		runner.NewScheduler(producer, cfg.NSQ.DeliveriesTopic),
		delivery.NewExecutor(cfg.Webhook.Timeout, cfg.Webhook.UserAgent),
		retryPolicy(cfg.Retry),
	).WithLogger(logger).WithStaleAfter(cfg.Reconciler.StaleAfter)
	if cfg.NSQ.PublishDLQ {
		orch = orch.WithDeadLetters(runner.NewDeadLetterPublisher(producer, cfg.NSQ.DLQTopic))
		logger.Plain().WithField("topic", cfg.NSQ.DLQTopic).Info("dead letter publishing enabled")
	}

	// One attempt must fit inside the message timeout, with room for the store.
	handler := runner.NewHandler(orch, cfg.Webhook.Timeout+30*time.Second).WithLogger(logger)
	consumer, err := runner.NewConsumer(cfg.NSQ, handler)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer setup failed")
	}

	if cfg.Reconciler.Enabled {
		rec := reconciler.New(reconcilerConfig(cfg.Reconciler), st, orch).WithLogger(logger)
		go rec.Run(ctx)
	}

	monitor := runner.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.WorkerChannel, monitorInterval,
		cfg.NSQ.DeliveriesTopic, cfg.NSQ.DLQTopic)
	go monitor.Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"topic":         cfg.NSQ.DeliveriesTopic,
		"channel":       cfg.NSQ.WorkerChannel,
		"max_in_flight": cfg.NSQ.MaxInFlight,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	cancel()
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func newMux(reg *prometheus.Registry, checks ...health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func retryPolicy(c config.Retry) delivery.RetryPolicy {
	return delivery.RetryPolicy{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
		MaxAge:      c.MaxAge,
	}
}

func reconcilerConfig(c config.Reconciler) reconciler.Config {
	return reconciler.Config{
		Interval:   c.Interval,
		StaleAfter: c.StaleAfter,
		Grace:      c.Grace,
		BatchSize:  c.BatchSize,
	}
}
