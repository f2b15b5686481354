package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]any, error) {
		return status, string(status), nil, nil
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("the worst status wins", func(t *testing.T) {
		cases := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy},
			{name: "one degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded},
			{name: "one unhealthy", statuses: []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, want: StatusUnhealthy},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				registry := NewRegistry()
				for i, status := range tc.statuses {
					registry.Register(staticChecker(string(rune('a'+i)), status))
				}

				report := registry.Check(context.Background())
				assert.Equal(t, tc.want, report.Status)
				assert.Len(t, report.Checks, len(tc.statuses))
			})
		}
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("fast", StatusHealthy))
		registry.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]any, error) {
			time.Sleep(200 * time.Millisecond)
			return StatusHealthy, "", nil, nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("metadata and unregister", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("service", "contract-service")
		registry.Register(staticChecker("broken", StatusUnhealthy))
		registry.Unregister("broken")

		report := registry.Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, "contract-service", report.Metadata["service"])
	})

	t.Run("component errors without a status are unhealthy", func(t *testing.T) {
		checker := NewComponentChecker("db", func(ctx context.Context) (Status, string, map[string]any, error) {
			return "", "ping failed", nil, errors.New("connection refused")
		})

		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection refused", result.Error)
	})
}

func TestHandlers(t *testing.T) {
	t.Run("the report handler maps status to HTTP codes", func(t *testing.T) {
		cases := map[Status]int{
			StatusHealthy:   http.StatusOK,
			StatusDegraded:  http.StatusOK,
			StatusUnhealthy: http.StatusServiceUnavailable,
		}

		for status, code := range cases {
			registry := NewRegistry()
			registry.Register(staticChecker("broker", status))

			rec := httptest.NewRecorder()
			NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, code, rec.Code, status)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report OverallHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, status, report.Status)
		}
	})

	t.Run("the report handler only answers GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("readiness follows the checks", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("broker", StatusDegraded))

		rec := httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())

		registry.Register(staticChecker("broker", StatusUnhealthy))
		rec = httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("liveness always answers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
