package handler

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/service"
)

const (
	statusUp       = "up"
	statusDown     = "down"
	statusDegraded = "degraded"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) HealthCheckResult

// Ready runs every check in parallel and answers 503 unless all of them are up.
func Ready(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make([]HealthCheckResult, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func(i int, check HealthCheck) {
				defer wg.Done()
				results[i] = check(ctx)
			}(i, checks[name])
		}
		wg.Wait()

		byName := make(map[string]HealthCheckResult, len(names))
		ready := true
		for i, name := range names {
			byName[name] = results[i]
			if results[i].Status != statusUp {
				ready = false
			}
		}

		response := map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks":    byName,
		}
		status := http.StatusOK
		response["status"] = "ready"
		if !ready {
			response["status"] = "not_ready"
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, response)
	}
}

// DatabaseCheck verifies database connectivity
func DatabaseCheck(db *sql.DB) HealthCheck {
	return func(ctx context.Context) HealthCheckResult {
		start := time.Now()
		err := db.PingContext(ctx)
		latency := time.Since(start)
		if err != nil {
			return HealthCheckResult{Status: statusDown, LatencyMs: latency.Milliseconds(), Error: err.Error()}
		}

		stats := db.Stats()
		return HealthCheckResult{
			Status:    statusUp,
			LatencyMs: latency.Milliseconds(),
			Metadata: map[string]any{
				"connections_open":   stats.OpenConnections,
				"connections_in_use": stats.InUse,
				"connections_idle":   stats.Idle,
				"max_open":           stats.MaxOpenConnections,
			},
		}
	}
}

// ConnectionState is satisfied by the RabbitMQ client.
type ConnectionState interface {
	IsClosed() bool
}

// RabbitMQCheck verifies RabbitMQ connectivity
func RabbitMQCheck(rmq ConnectionState) HealthCheck {
	return func(context.Context) HealthCheckResult {
		if rmq == nil || rmq.IsClosed() {
			return HealthCheckResult{Status: statusDown, Error: "connection closed"}
		}
		return HealthCheckResult{Status: statusUp}
	}
}

func RedisCheck(client goredis.UniversalClient) HealthCheck {
	return func(ctx context.Context) HealthCheckResult {
		start := time.Now()
		err := client.Ping(ctx).Err()
		latency := time.Since(start)
		if err != nil {
			return HealthCheckResult{Status: statusDown, LatencyMs: latency.Milliseconds(), Error: err.Error()}
		}
		return HealthCheckResult{Status: statusUp, LatencyMs: latency.Milliseconds()}
	}
}

// SessionHealthChecker is satisfied by *service.SessionManager.
type SessionHealthChecker interface {
	Ping(ctx context.Context) error
	Health() service.SessionHealth
}

// SessionStoreCheck pings the store through the session manager, which clears
// or sets its degraded flag as a side effect.
func SessionStoreCheck(sessions SessionHealthChecker) HealthCheck {
	return func(ctx context.Context) HealthCheckResult {
		start := time.Now()
		err := sessions.Ping(ctx)
		latency := time.Since(start)

		health := sessions.Health()
		result := HealthCheckResult{Status: statusUp, LatencyMs: latency.Milliseconds()}
		if health.Degraded {
			result.Status = statusDegraded
			result.Error = health.LastError
			if health.DegradedSince != nil {
				result.Metadata = map[string]any{"degraded_since": health.DegradedSince.Format(time.RFC3339)}
			}
		}
		if err != nil {
			result.Status = statusDown
			result.Error = err.Error()
		}
		return result
	}
}
