package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/roomhook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry collects correlation ids and fields until a level method emits it
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
	Service string
	TraceID string
	EventID string
	PairID  string
	RoomID  string
	Attempt int
	Fields  map[string]any
	logger  *zap.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	z       *zap.Logger
}

// New creates a structured logger for the given service, writing JSON to stdout
// at the level named by LOG_LEVEL (default info).
func New(service string) *Logger {
	return NewWithCore(service, newJSONCore(os.Getenv("LOG_LEVEL")))
}

// NewWithCore builds a logger on an existing zap core; tests use observer cores.
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{
		service: service,
		z:       zap.New(core).With(zap.String("service", service)),
	}
}

func newJSONCore(level string) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(enc),
		zapcore.Lock(os.Stdout),
		parseLevel(level),
	)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap exposes the underlying zap logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered output.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l.z,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithEvent sets the event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery pair ID for the log entry
func (e *LogEntry) WithDelivery(pairID string) *LogEntry {
	e.PairID = pairID
	return e
}

// WithRoom sets the owning room ID for the log entry
func (e *LogEntry) WithRoom(roomID string) *LogEntry {
	e.RoomID = roomID
	return e
}

// WithAttempt sets the attempt number for the log entry
func (e *LogEntry) WithAttempt(n int) *LogEntry {
	e.Attempt = n
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.emit(LevelDebug, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.emit(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) { e.emit(LevelInfo, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.emit(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) { e.emit(LevelWarn, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) { e.emit(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.emit(LevelFatal, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.emit(LevelFatal, fmt.Sprintf(format, args...)) }

// zapFields flattens correlation ids and free-form fields; empty ids are omitted.
func (e *LogEntry) zapFields() []zap.Field {
	out := make([]zap.Field, 0, len(e.Fields)+5)
	add := func(key, value string) {
		if value != "" {
			out = append(out, zap.String(key, value))
		}
	}
	add("trace_id", e.TraceID)
	add("event_id", e.EventID)
	add("pair_id", e.PairID)
	add("room_id", e.RoomID)
	if e.Attempt > 0 {
		out = append(out, zap.Int("attempt", e.Attempt))
	}
	if len(e.Fields) > 0 {
		out = append(out, zap.Any("fields", e.Fields))
	}
	return out
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	z := e.logger
	if z == nil {
		z = Default().z
	}
	fields := e.zapFields()
	switch level {
	case LevelDebug:
		z.Debug(message, fields...)
	case LevelWarn:
		z.Warn(message, fields...)
	case LevelError:
		z.Error(message, fields...)
	case LevelFatal:
		z.Fatal(message, fields...)
	default:
		z.Info(message, fields...)
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("roomhook")
)

// Default returns the package-level logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return Default().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return Default().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return Default().Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	SetDefault(New(service))
}
