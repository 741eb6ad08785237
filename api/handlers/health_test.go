package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	mux := http.NewServeMux()
	handler.Register(mux)

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, w.Code, path)

		var status ServiceHealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "healthy", status.Status)
		assert.False(t, status.Timestamp.IsZero())
	}
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name           string
		checks         []HealthCheck
		expectedStatus int
		expectedHealth string
	}{
		{
			name:           "no checks",
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				NewPingCheck("redis", func(context.Context) error { return nil }),
				NewPingCheck("database", func(context.Context) error { return nil }),
			},
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				NewPingCheck("redis", func(context.Context) error { return nil }),
				NewPingCheck("database", func(context.Context) error { return errors.New("connection refused") }),
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(nil)
			for _, c := range tt.checks {
				handler.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)

			var status ServiceHealthResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.expectedHealth, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			if tt.expectedHealth == "unhealthy" {
				assert.Equal(t, "fail", status.Checks["database"].Status)
				assert.Equal(t, "connection refused", status.Checks["database"].Message)
				assert.Equal(t, "pass", status.Checks["redis"].Status)
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("v1.0.0", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "v1.0.0", resp.Data["version"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
	assert.NotEmpty(t, resp.Data["go_version"])
}

func TestHealthHandler_Draining(t *testing.T) {
	called := false
	handler := NewHealthHandler(nil)
	handler.RegisterCheck(NewPingCheck("redis", func(context.Context) error {
		called = true
		return nil
	}))
	mux := http.NewServeMux()
	handler.Register(mux)

	handler.SetDraining(true)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, StatusDraining, status.Status)
	assert.False(t, called, "checks are skipped while draining")

	// 存活探针不受影响
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	handler.SetDraining(false)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}

func TestHealthHandler_EngineStats(t *testing.T) {
	handler := NewHealthHandler(nil).WithEngineStats(func() EngineStats {
		return EngineStats{Workflows: 3, ActiveRuns: 1}
	})

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.NotNil(t, status.Engine)
	assert.Equal(t, EngineStats{Workflows: 3, ActiveRuns: 1}, *status.Engine)
}

// 两个检查互相等待对方开始，串行执行会一直阻塞到超时
func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	rendezvous := func(ctx context.Context) error {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	handler := NewHealthHandler(nil).WithTimeout(2 * time.Second)
	handler.RegisterCheck(NewPingCheck("redis", rendezvous))
	handler.RegisterCheck(NewPingCheck("database", rendezvous))
	assert.Equal(t, []string{"database", "redis"}, handler.CheckNames())

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_ReadyTimeout(t *testing.T) {
	handler := NewHealthHandler(nil).WithTimeout(20 * time.Millisecond)
	handler.RegisterCheck(NewPingCheck("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Contains(t, status.Checks["database"].Message, "deadline exceeded")
}
