package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	Migrate  bool // apply embedded migrations on API start
}

type NSQ struct {
	NsqdTCPAddr     string   // e.g. nsqd:4150
	NsqdHTTPAddr    string   // e.g. http://nsqd:4151, used for /stats
	LookupHTTPAddrs []string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string   // topic carrying one message per scheduled attempt
	DLQTopic        string   // dead letters for failed pairs
	WorkerChannel   string   // channel name shared by all workers
	MaxInFlight     int      // concurrent attempts per worker process
	PublishDLQ      bool     // publish dead letters to DLQTopic
}

type Webhook struct {
	Timeout   time.Duration // per-attempt HTTP timeout
	UserAgent string
}

type Retry struct {
	BaseDelay   time.Duration // delay before attempt 2
	MaxDelay    time.Duration // cap on any single delay
	MaxAttempts int
	MaxAge      time.Duration // measured from the first attempt
}

type Reconciler struct {
	Enabled    bool
	Interval   time.Duration // how often the sweep runs
	StaleAfter time.Duration // attempting longer than this is treated as interrupted
	Grace      time.Duration // overdue by more than this is treated as a lost task
	BatchSize  int
}

type Redis struct {
	Addr           string // empty disables the rate limiter
	Password       string
	DB             int
	TestRateLimit  int           // destination tests per user per window
	TestRateWindow time.Duration // fixed window length
}

type Auth struct {
	Disabled     bool
	PublicKeyPEM string // RSA public key used to verify bearer tokens
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // Status returned while failing
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	HTTPPort       string // :8080, API
	WorkerHTTPPort string // :8083, worker metrics + health
	DB             DB
	NSQ            NSQ
	Webhook        Webhook
	Retry          Retry
	Reconciler     Reconciler
	Redis          Redis
	Auth           Auth
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "roomhook"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		WorkerHTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "roomhook"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			Migrate:  getenvBool("DB_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddrs: getenvList("NSQ_LOOKUP_HTTP_ADDR", []string{"http://nsqlookupd:4161"}),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "webhook_deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "webhook_deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 50),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Webhook: Webhook{
			Timeout:   getenvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			UserAgent: getenv("WEBHOOK_USER_AGENT", "roomhook-webhooks/1.0"),
		},
		Retry: Retry{
			BaseDelay:   getenvDuration("RETRY_BASE_DELAY", time.Minute),
			MaxDelay:    getenvDuration("RETRY_MAX_DELAY", 60*time.Minute),
			MaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 100),
			MaxAge:      getenvDuration("RETRY_MAX_AGE", 24*time.Hour),
		},
		Reconciler: Reconciler{
			Enabled:    getenvBool("RECONCILER_ENABLED", true),
			Interval:   getenvDuration("RECONCILER_INTERVAL", 30*time.Second),
			StaleAfter: getenvDuration("RECONCILER_STALE_AFTER", 5*time.Minute),
			Grace:      getenvDuration("RECONCILER_GRACE", 2*time.Minute),
			BatchSize:  getenvInt("RECONCILER_BATCH_SIZE", 100),
		},
		Redis: Redis{
			Addr:           getenv("REDIS_ADDR", ""),
			Password:       getenv("REDIS_PASSWORD", ""),
			DB:             getenvInt("REDIS_DB", 0),
			TestRateLimit:  getenvInt("WEBHOOK_TEST_RATE_LIMIT", 10),
			TestRateWindow: getenvDuration("WEBHOOK_TEST_RATE_WINDOW", time.Minute),
		},
		Auth: Auth{
			Disabled:     getenvBool("AUTH_DISABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "roomhook"),
			Audience:     getenv("JWT_AUDIENCE", "roomhook-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 503),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
