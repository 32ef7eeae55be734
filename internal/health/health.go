// Package health aggregates dependency checks behind /health endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status is the health of one component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one dependency. Critical checkers gate readiness.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	Critical() bool
}

// Manager fans out registered checks with a shared timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{timeout: timeout, logger: logger}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Run executes all checks and reports whether every critical one passed.
func (m *Manager) Run(ctx context.Context) ([]CheckResult, bool) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]CheckResult, len(checkers))
	ready := true
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			r := CheckResult{
				Component: c.Name(),
				Status:    StatusHealthy,
				Duration:  time.Since(start),
			}
			if err != nil {
				r.Status = StatusUnhealthy
				r.Error = err.Error()
				m.logger.Warn("health check failed",
					zap.String("component", c.Name()), zap.Error(err))
			}
			results[i] = r
		}(i, c)
	}
	wg.Wait()

	for i, c := range checkers {
		if c.Critical() && results[i].Status != StatusHealthy {
			ready = false
		}
	}
	return results, ready
}

// RegisterRoutes serves liveness, readiness, and the detailed report.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		_, ready := m.Run(r.Context())
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		results, ready := m.Run(r.Context())
		status := StatusHealthy
		code := http.StatusOK
		if !ready {
			status = StatusUnhealthy
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	})
}

// RedisChecker pings the Redis backing the event log and session history.
type RedisChecker struct {
	rdb *redis.Client
}

func NewRedisChecker(rdb *redis.Client) *RedisChecker { return &RedisChecker{rdb: rdb} }

func (c *RedisChecker) Name() string                    { return "redis" }
func (c *RedisChecker) Critical() bool                  { return true }
func (c *RedisChecker) Check(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Pinger is the narrow surface the database checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBChecker pings the persistence database.
type DBChecker struct {
	db Pinger
}

func NewDBChecker(db Pinger) *DBChecker { return &DBChecker{db: db} }

func (c *DBChecker) Name() string                    { return "postgres" }
func (c *DBChecker) Critical() bool                  { return true }
func (c *DBChecker) Check(ctx context.Context) error { return c.db.Ping(ctx) }
