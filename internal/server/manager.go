package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/schemaflow/internal/tlsutil"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 监听生命周期
// =============================================================================

var (
	errAlreadyStarted = errors.New("server already started")
	errClosed         = errors.New("server is closed")
)

// Config 单个监听端口的参数
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig WriteTimeout 覆盖 11 次 60s 的补全尝试
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    11 * time.Minute,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

func (c Config) httpServer(handler http.Handler, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(logger),
	}
}

// Manager 管理一个 http.Server 的 监听 → 服务 → 关闭，只能启动一次
type Manager struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger
	errs   chan error

	mu     sync.RWMutex
	ln     net.Listener
	closed bool
}

// NewManager name 写入日志的 component 字段
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", name))
	return &Manager{
		srv:    cfg.httpServer(handler, logger),
		cfg:    cfg,
		logger: logger,
		errs:   make(chan error, 1),
	}
}

// Start 绑定端口后在后台提供 HTTP 服务
func (m *Manager) Start() error {
	return m.start("http", m.srv.Serve)
}

// StartTLS 证书加载失败时不占用端口，Manager 仍可再次启动
func (m *Manager) StartTLS(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	m.srv.TLSConfig = tlsutil.ServerConfig(cert)
	return m.start("https", func(ln net.Listener) error {
		return m.srv.ServeTLS(ln, "", "")
	})
}

func (m *Manager) start(scheme string, serve func(net.Listener) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return errClosed
	case m.ln != nil:
		return errAlreadyStarted
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.ln = ln
	m.logger.Info("listening", zap.String("scheme", scheme), zap.String("addr", ln.Addr().String()))

	go func() {
		err := serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("server exited", zap.Error(err))
		select {
		case m.errs <- err:
		default:
		}
	}()
	return nil
}

// Shutdown 等待在途请求完成，最长 ShutdownTimeout；重复调用直接返回
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// Errors 服务异常退出时收到一次错误
func (m *Manager) Errors() <-chan error { return m.errs }

// Addr 启动后返回实际监听地址，用于 :0 端口
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return m.cfg.Addr
	}
	return m.ln.Addr().String()
}

// IsRunning Shutdown 之前为 true
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
