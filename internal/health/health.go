package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Checker is one named dependency probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Database pings a pgx pool. A nil pool yields no checker.
func Database(pool *pgxpool.Pool) []Checker {
	if pool == nil {
		return nil
	}
	return []Checker{{Name: "database", Check: pool.Ping}}
}

// Redis pings a redis client. A nil client yields no checker.
func Redis(client *redis.Client) []Checker {
	if client == nil {
		return nil
	}
	return []Checker{{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}}
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Evaluate runs every check with a one second budget each.
func Evaluate(ctx context.Context, checks ...Checker) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = c.Name + " ping failed"
			st.Checks[c.Name] = err.Error()
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}
