// =============================================================================
// SchemaFlow OpenAI-Compatible Provider
// =============================================================================
// Completion provider for any endpoint that speaks the OpenAI Chat Completions
// wire format (OpenAI, DeepSeek, Qwen, vLLM, Ollama, ...).
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/schemaflow/internal/ctxkeys"
	"github.com/BaSui01/schemaflow/internal/tlsutil"
	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/llm/providers"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultChatEndpoint   = "/v1/chat/completions"
	defaultModelsEndpoint = "/v1/models"
)

// Config describes one upstream endpoint.
type Config struct {
	ProviderName string
	APIKey       string
	// BaseURL without the endpoint path, e.g. "https://api.openai.com".
	BaseURL string

	// DefaultModel applies when the request names none; FallbackModel when
	// DefaultModel is empty too.
	DefaultModel  string
	FallbackModel string

	// Timeout bounds a single HTTP exchange. Zero means 30s.
	Timeout time.Duration

	EndpointPath   string
	ModelsEndpoint string

	// BuildHeaders replaces the default bearer auth when set.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider implements llm.Provider and llm.HealthChecker over HTTP.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

// New fills endpoint defaults and builds a TLS-hardened client.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultChatEndpoint
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = defaultModelsEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.NewHTTPClient(cfg.Timeout),
		Logger: logger.With(zap.String("component", "provider"), zap.String("provider", cfg.ProviderName)),
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

// SetBuildHeaders swaps the header builder, e.g. for api-key style auth.
func (p *Provider) SetBuildHeaders(fn func(req *http.Request, apiKey string)) {
	p.Cfg.BuildHeaders = fn
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// newRequest builds an authenticated request against BaseURL+path and
// forwards the caller's trace id as X-Request-ID.
func (p *Provider) newRequest(ctx context.Context, method, path, traceID string, body io.Reader) (*http.Request, error) {
	url := strings.TrimRight(p.Cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	p.buildHeaders(req, p.Cfg.APIKey)

	if traceID == "" {
		traceID, _ = ctxkeys.TraceID(ctx)
	}
	if traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
	return req, nil
}

// HealthCheck lists models; any non-200 reply marks the provider unhealthy.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	req, err := p.newRequest(ctx, http.MethodGet, p.Cfg.ModelsEndpoint, "", nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	status := &llm.HealthStatus{Latency: time.Since(start)}
	if err != nil {
		return status, err
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%s health check failed: status=%d msg=%s",
			p.Name(), resp.StatusCode, providers.ReadErrorMessage(resp.Body))
	}
	status.Healthy = true
	return status, nil
}

// Completion sends one non-streaming chat completion. Transport failures and
// undecodable bodies come back as retryable upstream errors.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	payload, err := json.Marshal(providers.OpenAICompatRequest{
		Model:          model,
		Messages:       providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		ResponseFormat: providers.ConvertResponseFormat(req.ResponseFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.Cfg.EndpointPath, req.TraceID, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		code := llm.ErrUpstreamError
		if ctx.Err() != nil {
			code = llm.ErrUpstreamTimeout
		}
		return nil, p.upstreamError(code, err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		msg := providers.ReadErrorMessage(resp.Body)
		p.Logger.Warn("completion rejected by upstream",
			zap.Int("status", resp.StatusCode),
			zap.String("model", model),
			zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var wire providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, p.upstreamError(llm.ErrUpstreamError, err)
	}

	out := providers.ToLLMChatResponse(wire, p.Name())
	if wire.Created != 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	p.Logger.Debug("completion done",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))
	return out, nil
}

func (p *Provider) upstreamError(code llm.ErrorCode, err error) *llm.Error {
	return &llm.Error{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   p.Name(),
	}
}
