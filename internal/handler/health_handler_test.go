package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"session-notify/internal/service"
	"session-notify/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestHealth_ReturnsOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	Health(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertHeader(t, w, "Content-Type", "application/json")

	var response map[string]string
	err := json.NewDecoder(w.Body).Decode(&response)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, response["status"], "ok")
}

func TestHealthCheckResult_JSON(t *testing.T) {
	tests := []struct {
		name   string
		result HealthCheckResult
		want   map[string]interface{}
	}{
		{
			name: "healthy service",
			result: HealthCheckResult{
				Status:    "up",
				LatencyMs: 5,
			},
			want: map[string]interface{}{
				"status":     "up",
				"latency_ms": float64(5),
			},
		},
		{
			name: "unhealthy service",
			result: HealthCheckResult{
				Status:    "down",
				LatencyMs: 100,
				Error:     "connection refused",
			},
			want: map[string]interface{}{
				"status":     "down",
				"latency_ms": float64(100),
				"error":      "connection refused",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.result)
			testutil.AssertNoError(t, err)

			var result map[string]interface{}
			err = json.Unmarshal(data, &result)
			testutil.AssertNoError(t, err)

			for key, expected := range tt.want {
				got, ok := result[key]
				if !ok {
					t.Errorf("missing key %q", key)
					continue
				}
				switch v := expected.(type) {
				case string:
					testutil.AssertEqual(t, got.(string), v)
				case float64:
					testutil.AssertEqual(t, got.(float64), v)
				}
			}
		})
	}
}

func TestHealthCheckResult_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(HealthCheckResult{Status: "up"})
	testutil.AssertNoError(t, err)

	jsonStr := string(data)
	testutil.AssertNotContains(t, jsonStr, "latency_ms")
	testutil.AssertNotContains(t, jsonStr, "error")
	testutil.AssertNotContains(t, jsonStr, "metadata")
}

func staticCheck(status string) HealthCheck {
	return func(context.Context) HealthCheckResult {
		return HealthCheckResult{Status: status}
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all up",
			checks:     map[string]HealthCheck{"redis": staticCheck(statusUp), "rabbitmq": staticCheck(statusUp)},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
		},
		{
			name:       "one down",
			checks:     map[string]HealthCheck{"redis": staticCheck(statusUp), "rabbitmq": staticCheck(statusDown)},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not_ready",
		},
		{
			name:       "session store degraded",
			checks:     map[string]HealthCheck{"session_store": staticCheck(statusDegraded)},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			Ready(tt.checks)(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			testutil.AssertStatusCode(t, w, tt.wantStatus)
			body := testutil.DecodeJSON[map[string]any](t, w)
			testutil.AssertEqual(t, body["status"].(string), tt.wantBody)
			checks, ok := body["checks"].(map[string]any)
			testutil.AssertTrue(t, ok, "checks should be an object")
			testutil.AssertEqual(t, len(checks), len(tt.checks))
		})
	}
}

type fakeConnState struct{ closed bool }

func (f fakeConnState) IsClosed() bool { return f.closed }

func TestRabbitMQCheck(t *testing.T) {
	ctx := context.Background()
	testutil.AssertEqual(t, RabbitMQCheck(fakeConnState{})(ctx).Status, statusUp)
	testutil.AssertEqual(t, RabbitMQCheck(fakeConnState{closed: true})(ctx).Status, statusDown)
	testutil.AssertEqual(t, RabbitMQCheck(nil)(ctx).Status, statusDown)
}

func TestRedisCheck(t *testing.T) {
	m := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	defer client.Close()

	testutil.AssertEqual(t, RedisCheck(client)(context.Background()).Status, statusUp)

	m.Close()
	result := RedisCheck(client)(context.Background())
	testutil.AssertEqual(t, result.Status, statusDown)
	testutil.AssertTrue(t, result.Error != "", "error should be reported")
}

func TestDatabaseCheck(t *testing.T) {
	db, _, err := sqlmock.New()
	testutil.AssertNoError(t, err)

	result := DatabaseCheck(db)(context.Background())
	testutil.AssertEqual(t, result.Status, statusUp)
	testutil.AssertNotNil(t, result.Metadata)

	_ = db.Close()
	result = DatabaseCheck(db)(context.Background())
	testutil.AssertEqual(t, result.Status, statusDown)
	testutil.AssertContains(t, result.Error, "closed")
}

func TestSessionStoreCheck(t *testing.T) {
	store := testutil.NewMockSessionStore()
	sessions := service.NewSessionManager(store, &testutil.MockAuditWriter{}, service.DefaultSessionConfig())

	testutil.AssertEqual(t, SessionStoreCheck(sessions)(context.Background()).Status, statusUp)

	store.FailWith(errors.New("connection refused"))
	result := SessionStoreCheck(sessions)(context.Background())
	testutil.AssertEqual(t, result.Status, statusDown)
	testutil.AssertContains(t, result.Error, "connection refused")
}

// Benchmark health endpoint
func BenchmarkHealth(b *testing.B) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		Health(w, req)
	}
}
