// Package api serves the room configuration, validation, pipeline and
// delivery inspection endpoints over echo.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/health"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/room"
	"github.com/austindbirch/roomhook/internal/validation"
)

// DeliveryReader is the read side used to inspect deliveries.
type DeliveryReader interface {
	GetEvent(ctx context.Context, id string) (delivery.Event, error)
	GetPair(ctx context.Context, id string) (delivery.Pair, error)
	ListPairsByEvent(ctx context.Context, eventID string) ([]delivery.Pair, error)
	ListAttempts(ctx context.Context, pairID string) ([]delivery.Attempt, error)
}

// Deps wires the server. Auth is required; TestLimit may be nil.
type Deps struct {
	Rooms        *room.Service
	Orchestrator *delivery.Orchestrator
	Validation   *validation.Service
	Deliveries   DeliveryReader
	Auth         echo.MiddlewareFunc
	TestLimit    echo.MiddlewareFunc
	Health       []health.Checker
	Gatherer     prometheus.Gatherer
	Logger       *logging.Logger
}

type Server struct {
	e    *echo.Echo
	deps Deps
	log  *logging.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{e: echo.New(), deps: deps, log: deps.Logger}

	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(echoMid.Recover(), echoMid.RequestID(), s.requestLogger())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/healthz", echo.WrapHandler(health.HTTPHandler(deps.Health...)))

	v1 := e.Group("/v1", deps.Auth)
	v1.PUT("/rooms/:id", s.saveRoom)
	v1.GET("/rooms/:id", s.getRoom)
	v1.DELETE("/rooms/:id", s.deleteRoom)
	v1.POST("/rooms/:id/webhook/rotate", s.rotateSecret)

	testMW := []echo.MiddlewareFunc{}
	if deps.TestLimit != nil {
		testMW = append(testMW, deps.TestLimit)
	}
	v1.POST("/rooms/:id/webhook/test", s.testRoomWebhook, testMW...)
	v1.POST("/webhooks/test", s.testWebhook, testMW...)

	v1.POST("/transcripts/:id/completed", s.transcriptCompleted)
	v1.GET("/events/:id/deliveries", s.eventDeliveries)
	v1.POST("/deliveries/:id/cancel", s.cancelDelivery)

	return s
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error {
	s.log.Plain().WithField("addr", addr).Info("http: listening")
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.log.WithContext(req.Context()).WithFields(map[string]any{
				"method":     req.Method,
				"path":       c.Path(),
				"status":     c.Response().Status,
				"latency_ms": time.Since(start).Milliseconds(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}).Debug("http request")
			return nil
		}
	}
}
