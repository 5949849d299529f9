package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticCheck(name string, err error) HealthCheck {
	return NewDatabaseHealthCheck(name, func(context.Context) error { return err })
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	// 存活探针不执行检查项
	h.RegisterCheck(staticCheck("database", errors.New("down")))

	mux := http.NewServeMux()
	h.Register(mux, "1.0.0", "", "")

	for _, path := range []string{"/health", "/healthz"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			status := decodeHealth(t, w)
			assert.Equal(t, StatusHealthy, status.Status)
			assert.False(t, status.Timestamp.IsZero())
			assert.Empty(t, status.Checks)
		})
	}
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		required   []HealthCheck
		optional   []HealthCheck
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			required:   []HealthCheck{staticCheck("database", nil), staticCheck("llm", nil)},
			optional:   []HealthCheck{staticCheck("redis", nil)},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
			wantChecks: map[string]string{"database": "pass", "llm": "pass", "redis": "pass"},
		},
		{
			name:       "optional cache down",
			required:   []HealthCheck{staticCheck("database", nil)},
			optional:   []HealthCheck{staticCheck("redis", errors.New("refused"))},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"database": "pass", "redis": "fail"},
		},
		{
			name:       "required database down",
			required:   []HealthCheck{staticCheck("database", errors.New("check failed"))},
			optional:   []HealthCheck{staticCheck("redis", errors.New("refused"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			wantChecks: map[string]string{"database": "fail", "redis": "fail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.required {
				h.RegisterCheck(c)
			}
			for _, c := range tt.optional {
				h.RegisterOptionalCheck(c)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			status := decodeHealth(t, w)
			assert.Equal(t, tt.wantStatus, status.Status)

			got := make(map[string]string, len(status.Checks))
			for name, res := range status.Checks {
				got[name] = res.Status
			}
			assert.Equal(t, tt.wantChecks, got)
		})
	}
}

func TestHealthHandler_ReadinessReportsFailureDetail(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterOptionalCheck(staticCheck("redis", errors.New("refused")))

	status, ready := h.Run(context.Background())
	assert.True(t, ready)
	res := status.Checks["redis"]
	assert.Equal(t, "refused", res.Message)
	assert.True(t, res.Optional)
	assert.NotEmpty(t, res.Latency)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.0.0", "2024-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{
		"version":    "1.0.0",
		"build_time": "2024-01-01T00:00:00Z",
		"git_commit": "abc123",
	}, resp.Data)
}

func TestHealthHandler_ConcurrentReadiness(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	for i := 0; i < 10; i++ {
		h.RegisterCheck(staticCheck(string(rune('a'+i)), nil))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}

func TestHealthHandler_HandleReady_CancelledRequest(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterCheck(NewDatabaseHealthCheck("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "context canceled")
}

type stubHealthChecker struct {
	status *llm.HealthStatus
	err    error
}

func (s stubHealthChecker) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return s.status, s.err
}

func TestBuiltinHealthChecks(t *testing.T) {
	ctx := context.Background()

	db := NewDatabaseHealthCheck("database", func(context.Context) error { return nil })
	assert.Equal(t, "database", db.Name())
	assert.NoError(t, db.Check(ctx))

	rdb := NewRedisHealthCheck("redis", func(context.Context) error { return errors.New("refused") })
	assert.Equal(t, "redis", rdb.Name())
	assert.EqualError(t, rdb.Check(ctx), "refused")

	p := NewProviderHealthCheck(stubHealthChecker{status: &llm.HealthStatus{Healthy: true}})
	assert.Equal(t, "llm", p.Name())
	assert.NoError(t, p.Check(ctx))

	assert.ErrorIs(t, NewProviderHealthCheck(stubHealthChecker{status: &llm.HealthStatus{}}).Check(ctx), errProviderUnhealthy)
	assert.ErrorIs(t, NewProviderHealthCheck(stubHealthChecker{}).Check(ctx), errProviderUnhealthy)
	assert.EqualError(t, NewProviderHealthCheck(stubHealthChecker{err: errors.New("down")}).Check(ctx), "down")
}
