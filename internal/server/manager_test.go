package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoPath() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	})
}

func loopback(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	m := NewManager("test", echoPath(), cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 11*time.Minute, cfg.WriteTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)

	srv := cfg.httpServer(echoPath(), zap.NewNop())
	assert.Equal(t, cfg.ReadTimeout, srv.ReadHeaderTimeout)
	assert.Equal(t, cfg.IdleTimeout, srv.IdleTimeout)
	assert.NotNil(t, srv.ErrorLog)
}

func TestManager_Lifecycle(t *testing.T) {
	m := loopback(t)
	assert.Equal(t, "127.0.0.1:0", m.Addr())

	require.NoError(t, m.Start())
	addr := m.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/schemas")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/schemas", string(body))

	assert.ErrorIs(t, m.Start(), errAlreadyStarted)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
	assert.ErrorIs(t, m.Start(), errClosed)

	select {
	case err := <-m.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestManager_ListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.Addr = busy.Addr().String()
	m := NewManager("test", echoPath(), cfg, nil)

	assert.ErrorContains(t, m.Start(), "failed to listen")
	assert.True(t, m.IsRunning())
}

func TestManager_StartTLS_MissingCert(t *testing.T) {
	m := loopback(t)
	assert.ErrorContains(t, m.StartTLS("/nonexistent/cert.pem", "/nonexistent/key.pem"), "TLS key pair")

	// 证书失败不占端口，仍可以明文启动
	require.NoError(t, m.Start())
}
