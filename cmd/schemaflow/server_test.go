package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BaSui01/schemaflow/api"
	"github.com/BaSui01/schemaflow/config"
	"github.com/BaSui01/schemaflow/llm/providers"
	"github.com/BaSui01/schemaflow/testutil"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeUpstream 模拟 OpenAI 兼容的补全服务，按顺序返回预设回复
type fakeUpstream struct {
	mu         sync.Mutex
	replies    []string
	calls      int
	requestIDs []string
	formats    []string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/models":
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[]}`)
		return
	case "/v1/chat/completions":
	default:
		http.NotFound(w, r)
		return
	}

	var body struct {
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	reply := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	f.requestIDs = append(f.requestIDs, r.Header.Get("X-Request-ID"))
	if body.ResponseFormat != nil {
		f.formats = append(f.formats, body.ResponseFormat.Type)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
		ID:    "resp-1",
		Model: "gpt-4o-mini",
		Choices: []providers.OpenAICompatChoice{
			{FinishReason: "stop", Message: providers.OpenAICompatMessage{Role: "assistant", Content: reply}},
		},
		Usage: &providers.OpenAICompatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
}

func newTestServer(t *testing.T, upstream http.Handler) (*Server, *httptest.Server) {
	t.Helper()

	llmServer := httptest.NewServer(upstream)
	t.Cleanup(llmServer.Close)

	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "schemaflow.db")
	cfg.Database.AutoMigrate = true
	cfg.LLM.BaseURL = llmServer.URL
	cfg.LLM.APIKey = "test-key"
	cfg.Server.MetricsPort = 0

	s := NewServer(cfg, zap.NewNop())
	require.NoError(t, s.init(testutil.TestContext(t)))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	ts := httptest.NewServer(s.handler)
	t.Cleanup(ts.Close)
	return s, ts
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func call(t *testing.T, ts *httptest.Server, method, path, owner, reqID, body string) (*http.Response, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	if reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func TestServer_SchemaBackedCompletion(t *testing.T) {
	upstream := &fakeUpstream{replies: []string{
		`{"title": 5}`,
		"Here you go:\n```json\n{\"title\":\"Dune\",\"year\":1965}\n```",
	}}
	s, ts := newTestServer(t, upstream)

	resp, env := call(t, ts, http.MethodPost, "/api/v1/schemas", "alice", "", `{
		"name": "book",
		"schema": {"type":"object","required":["title"],"properties":{"title":{"type":"string"},"year":{"type":"integer"}}},
		"example_output": {"title":"Emma","year":1815}
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var schema api.SchemaResponse
	require.NoError(t, json.Unmarshal(env.Data, &schema))
	assert.Equal(t, 1, schema.Version)
	testutil.AssertJSONEqual(t, `{"year":1815,"title":"Emma"}`, schema.ExampleOutput)

	resp, env = call(t, ts, http.MethodPost, "/api/v1/structured/completions", "alice", "e2e-1", `{
		"model": "gpt-4o-mini",
		"messages": [{"role":"user","content":"Name a classic science fiction novel."}],
		"schema_id": "`+schema.ID+`",
		"strict": true,
		"max_retries": 2
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "e2e-1", env.RequestID)

	var out api.StructuredCompletionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Valid)
	assert.Equal(t, 1, out.RetriesUsed)
	assert.Equal(t, schema.ID, out.SchemaID)
	assert.Equal(t, 1, out.SchemaVersion)
	assert.Equal(t, map[string]any{"title": "Dune", "year": float64(1965)}, out.StructuredOutput)
	assert.Equal(t, 30, out.TotalUsage.TotalTokens)

	upstream.mu.Lock()
	assert.Equal(t, 2, upstream.calls)
	assert.Equal(t, []string{"e2e-1", "e2e-1"}, upstream.requestIDs)
	assert.Equal(t, []string{"json_object", "json_object"}, upstream.formats)
	upstream.mu.Unlock()

	// 使用次数随每次 schema_id 补全递增
	_, env = call(t, ts, http.MethodGet, "/api/v1/schemas/"+schema.ID, "alice", "", "")
	require.NoError(t, json.Unmarshal(env.Data, &schema))
	assert.EqualValues(t, 1, schema.UsageCount)

	// 其他调用方看不到私有 Schema
	resp, env = call(t, ts, http.MethodPost, "/api/v1/structured/completions", "bob", "", `{
		"model": "gpt-4o-mini",
		"messages": [{"role":"user","content":"hi"}],
		"schema_id": "`+schema.ID+`"
	}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RESOURCE_NOT_FOUND", env.Error.Code)

	// HTTP 与补全指标写入独立的 registry
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "schemaflow_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/schemas/:id"`)
}

func TestServer_HealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &fakeUpstream{replies: []string{`{}`}})

	for _, path := range []string{"/health", "/healthz", "/version", "/ready", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestServer_MissingOwner(t *testing.T) {
	_, ts := newTestServer(t, &fakeUpstream{replies: []string{`{}`}})

	resp, env := call(t, ts, http.MethodGet, "/api/v1/schemas", "", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
}
