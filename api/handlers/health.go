package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/schemaflow/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readyTimeout 就绪检查的整体超时
const readyTimeout = 5 * time.Second

// 汇总状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// =============================================================================
// 🏥 存活 / 就绪探针
// =============================================================================

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项结果，Status 为 pass 或 fail
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

type registeredCheck struct {
	HealthCheck
	optional bool
}

// HealthHandler 持有就绪检查项。必选项失败时返回 503；
// 可选项（例如版本缓存）失败只把状态降为 degraded
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []registeredCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("component", "health"))}
}

// RegisterCheck 注册必选检查项
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.register(check, false)
}

// RegisterOptionalCheck 注册可选检查项
func (h *HealthHandler) RegisterOptionalCheck(check HealthCheck) {
	h.register(check, true)
}

func (h *HealthHandler) register(check HealthCheck, optional bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{HealthCheck: check, optional: optional})
}

// Register 挂载 /health /healthz /ready /readyz /version
func (h *HealthHandler) Register(mux *http.ServeMux, version, buildTime, gitCommit string) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion(version, buildTime, gitCommit))
}

// HandleHealth 进程存活即返回 healthy
// @Summary 健康检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

// HandleHealthz Kubernetes 存活探针，与 /health 相同
// @Summary Kubernetes 活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 执行全部检查项
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "就绪或降级"
// @Failure 503 {object} HealthStatus "必选依赖不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status, ready := h.Run(ctx)
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Run 并发执行检查项。ready 仅在所有必选项通过时为 true
func (h *HealthHandler) Run(ctx context.Context) (status HealthStatus, ready bool) {
	h.mu.RLock()
	checks := append([]registeredCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = h.runOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status = HealthStatus{Status: StatusHealthy, Timestamp: time.Now(), Checks: make(map[string]CheckResult, len(checks))}
	ready = true
	for i, c := range checks {
		res := results[i]
		status.Checks[c.Name()] = res
		switch {
		case res.Status == "pass":
		case c.optional:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		default:
			ready = false
			status.Status = StatusUnhealthy
		}
	}
	return status, ready
}

func (h *HealthHandler) runOne(ctx context.Context, c registeredCheck) CheckResult {
	start := time.Now()
	err := c.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Latency: latency.String(), Optional: c.optional}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		h.logger.Warn("readiness check failed",
			zap.String("check", c.Name()),
			zap.Bool("optional", c.optional),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}
	return res
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置检查项
// =============================================================================

// PingCheck 以 ping 函数实现的检查项，数据库与 Redis 共用
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

func (c *PingCheck) Name() string                    { return c.name }
func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// NewDatabaseHealthCheck 通常传入 database.PoolManager.Ping
func NewDatabaseHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// NewRedisHealthCheck 通常传入 cache.Manager.Ping
func NewRedisHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// errProviderUnhealthy 上游返回但报告不健康
var errProviderUnhealthy = errors.New("provider reported unhealthy")

// ProviderHealthCheck 调用补全服务的 HealthCheck
type ProviderHealthCheck struct {
	checker llm.HealthChecker
}

func NewProviderHealthCheck(checker llm.HealthChecker) *ProviderHealthCheck {
	return &ProviderHealthCheck{checker: checker}
}

func (c *ProviderHealthCheck) Name() string { return "llm" }

func (c *ProviderHealthCheck) Check(ctx context.Context) error {
	st, err := c.checker.HealthCheck(ctx)
	switch {
	case err != nil:
		return err
	case st == nil || !st.Healthy:
		return errProviderUnhealthy
	}
	return nil
}
