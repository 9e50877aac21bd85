package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/roomhook/internal/api"
	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/config"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/health"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/metrics"
	"github.com/austindbirch/roomhook/internal/room"
	"github.com/austindbirch/roomhook/internal/runner"
	"github.com/austindbirch/roomhook/internal/store"
	"github.com/austindbirch/roomhook/internal/tracing"
	"github.com/austindbirch/roomhook/internal/validation"
)

const serviceName = "roomhook-api"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New(serviceName)
	logging.SetDefault(logger)
	defer logger.Sync()

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
	if cfg.DB.Migrate {
		if err := st.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("migrations failed")
		}
	}

	producer, err := runner.NewProducer(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	executor := delivery.NewExecutor(cfg.Webhook.Timeout, cfg.Webhook.UserAgent)
	orch := delivery.NewOrchestrator(st, runner.NewScheduler(producer, cfg.NSQ.DeliveriesTopic), executor, retryPolicy(cfg.Retry)).
		WithLogger(logger)
	rooms := room.NewService(st, orch).WithLogger(logger)
	validator := validation.NewService(executor).WithLogger(logger)

	authMW, err := authMiddleware(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	if cfg.Auth.Disabled {
		logger.Plain().WithField("header", auth.DevUserHeader).Warn("authentication disabled, trusting user header")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := append(health.Database(pool), health.Redis(rdb)...)
	srv := api.NewServer(api.Deps{
		Rooms:        rooms,
		Orchestrator: orch,
		Validation:   validator,
		Deliveries:   st,
		Auth:         authMW,
		TestLimit:    testLimiter(cfg.Redis, rdb),
		Health:       checks,
		Gatherer:     reg,
		Logger:       logger,
	})

	go func() {
		if err := srv.Start(cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("http server failed")
		}
	}()
	logger.Plain().WithField("addr", cfg.HTTPPort).Info("api service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("http shutdown failed")
	}
	logger.Plain().Info("api service stopped")
}

func retryPolicy(c config.Retry) delivery.RetryPolicy {
	return delivery.RetryPolicy{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
		MaxAge:      c.MaxAge,
	}
}

// authMiddleware verifies bearer tokens, or trusts auth.DevUserHeader when
// authentication is disabled.
func authMiddleware(c config.Auth) (echo.MiddlewareFunc, error) {
	if c.Disabled {
		return auth.HeaderMiddleware(), nil
	}
	if c.PublicKeyPEM == "" {
		return nil, fmt.Errorf("JWT_PUBLIC_KEY is required unless AUTH_DISABLED=true")
	}
	v, err := auth.NewJWTValidator(c.PublicKeyPEM, c.Issuer, c.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	return v.Middleware(), nil
}

// testLimiter returns nil when redis is not configured.
func testLimiter(c config.Redis, rdb *redis.Client) echo.MiddlewareFunc {
	if rdb == nil {
		return nil
	}
	return api.RateLimitMiddleware(api.RateLimitConfig{
		Counter: api.RedisCounter{Client: rdb},
		Limit:   c.TestRateLimit,
		Window:  c.TestRateWindow,
	})
}
