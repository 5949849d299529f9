package metrics

import (
	"strconv"
	"time"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	sizeBuckets    = prometheus.ExponentialBuckets(100, 10, 8)
	attemptBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	retryBuckets   = []float64{0, 1, 2, 3, 5, 10}
)

// Collector 实现 structured.MetricsRecorder 与 schemastore.OperationRecorder
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	completionsTotal *prometheus.CounterVec
	retriesUsed      *prometheus.HistogramVec
	tokensUsed       *prometheus.CounterVec

	schemaOpsTotal   *prometheus.CounterVec
	schemaOpDuration *prometheus.HistogramVec
}

// vecs 绑定 namespace 的构造器
type vecs struct {
	f  promauto.Factory
	ns string
}

func (v vecs) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return v.f.NewCounterVec(prometheus.CounterOpts{Namespace: v.ns, Name: name, Help: help}, labels)
}

func (v vecs) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return v.f.NewHistogramVec(prometheus.HistogramOpts{Namespace: v.ns, Name: name, Help: help, Buckets: buckets}, labels)
}

// NewCollector reg 为 nil 时注册到默认注册表；同一 reg 上重复创建会 panic
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := vecs{f: promauto.With(reg), ns: namespace}

	c := &Collector{
		httpRequestsTotal:   v.counter("http_requests_total", "HTTP requests by route and status class", "method", "path", "status"),
		httpRequestDuration: v.histogram("http_request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path"),
		httpRequestSize:     v.histogram("http_request_size_bytes", "HTTP request body size", sizeBuckets, "method", "path"),
		httpResponseSize:    v.histogram("http_response_size_bytes", "HTTP response body size", sizeBuckets, "method", "path"),

		attemptsTotal:    v.counter("structured_attempts_total", "Structured completion attempts by outcome", "provider", "model", "outcome"),
		attemptDuration:  v.histogram("structured_attempt_duration_seconds", "One provider call plus extraction and validation", attemptBuckets, "provider", "model"),
		completionsTotal: v.counter("structured_completions_total", "Structured completions by final state", "provider", "model", "final_state"),
		retriesUsed:      v.histogram("structured_retries_used", "Retries spent per structured completion", retryBuckets, "provider", "model"),
		// type: prompt | completion
		tokensUsed: v.counter("llm_tokens_used_total", "Tokens summed over all attempts", "provider", "model", "type"),

		schemaOpsTotal:   v.counter("schema_operations_total", "Schema store operations by result code", "operation", "result"),
		schemaOpDuration: v.histogram("schema_operation_duration_seconds", "Schema store operation latency", prometheus.DefBuckets, "operation"),
	}

	logger.Info("metrics collector initialized", zap.String("component", "metrics"), zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest path 应为路由模板，避免 schema id 撑爆基数
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func (c *Collector) RecordAttempt(provider, model string, outcome structured.AttemptOutcome, duration time.Duration) {
	c.attemptsTotal.WithLabelValues(provider, model, string(outcome)).Inc()
	c.attemptDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordCompletion usage 为所有尝试的累计值
func (c *Collector) RecordCompletion(provider, model string, final structured.State, retriesUsed int, usage llm.ChatUsage) {
	c.completionsTotal.WithLabelValues(provider, model, string(final)).Inc()
	c.retriesUsed.WithLabelValues(provider, model).Observe(float64(retriesUsed))
	c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
}

func (c *Collector) RecordSchemaOperation(operation, result string, duration time.Duration) {
	c.schemaOpsTotal.WithLabelValues(operation, result).Inc()
	c.schemaOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// statusClass 404 → "4xx"
func statusClass(code int) string {
	if code < 100 || code >= 600 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
