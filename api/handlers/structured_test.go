package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/BaSui01/schemaflow/api"
	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/testutil/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStructuredMux(t *testing.T, provider llm.Provider) *http.ServeMux {
	t.Helper()
	o, err := structured.NewOrchestrator(provider, structured.NewCompiler(), structured.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewStructuredHandler(o, zap.NewNop()).Register(mux)
	return mux
}

func completionBody(strict bool, maxRetries int) string {
	b, _ := json.Marshal(map[string]any{
		"model":       "mock-model",
		"messages":    []map[string]string{{"role": "user", "content": "Who wrote the first program?"}},
		"schema":      json.RawMessage(testPersonSchema),
		"strict":      strict,
		"max_retries": maxRetries,
	})
	return string(b)
}

// =============================================================================
// 🧪 StructuredHandler 测试
// =============================================================================

func TestStructuredHandler_Success(t *testing.T) {
	provider := mocks.NewScriptedProvider(mocks.Reply(`Sure: {"name":"Ada"}`))
	mux := newStructuredMux(t, provider)

	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", completionBody(true, 2))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.StructuredCompletionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, 0, resp.RetriesUsed)
	assert.Equal(t, map[string]any{"name": "Ada"}, resp.StructuredOutput)
	assert.Empty(t, resp.RawResponse)
	assert.Len(t, resp.Attempts, 1)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestStructuredHandler_RetryThenSuccess(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"age": 3}`),
		mocks.Reply(`{"name":"Grace"}`),
	)
	mux := newStructuredMux(t, provider)

	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", completionBody(true, 2))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.StructuredCompletionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 1, resp.RetriesUsed)
	assert.True(t, resp.Valid)
	assert.Equal(t, 2, provider.GetCallCount())
}

func TestStructuredHandler_StrictExhaustion(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"age": 3}`)
	mux := newStructuredMux(t, provider)

	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", completionBody(true, 1))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	assert.Contains(t, w.Body.String(), `"retries_used":1`)
	assert.Equal(t, 2, provider.GetCallCount())
}

func TestStructuredHandler_LenientExhaustion(t *testing.T) {
	provider := mocks.NewSuccessProvider(`no json here`)
	mux := newStructuredMux(t, provider)

	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", completionBody(false, 0))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.StructuredCompletionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.False(t, resp.Valid)
	assert.Nil(t, resp.StructuredOutput)
	assert.NotEmpty(t, resp.ValidationErrors)
	assert.Equal(t, "no json here", resp.RawResponse)
}

func TestStructuredHandler_NullOutputReportsValid(t *testing.T) {
	mux := newStructuredMux(t, mocks.NewSuccessProvider(`null`))

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"schema":{"type":["object","null"]}}`
	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.StructuredCompletionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Valid)
	assert.Nil(t, resp.StructuredOutput)
}

func TestStructuredHandler_ProviderError(t *testing.T) {
	provider := mocks.NewErrorProvider(&llm.Error{Code: llm.ErrUpstreamError, Message: "boom", HTTPStatus: 503, Retryable: true})
	mux := newStructuredMux(t, provider)

	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "", completionBody(false, 0))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PROVIDER_ERROR", env.Error.Code)
}

func TestStructuredHandler_RequestErrors(t *testing.T) {
	mux := newStructuredMux(t, mocks.NewSuccessProvider(`{}`))

	tests := []struct {
		name       string
		owner      string
		body       string
		wantStatus int
	}{
		{"schema id without owner", "", `{"model":"m","messages":[{"role":"user","content":"hi"}],"schema_id":"abc"}`, http.StatusBadRequest},
		{"max retries out of range", "", `{"model":"m","messages":[{"role":"user","content":"hi"}],"schema":{},"max_retries":11}`, http.StatusBadRequest},
		{"no schema", "", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
		{"malformed inline schema", "", `{"model":"m","messages":[{"role":"user","content":"hi"}],"schema":{"type":"nope"}}`, http.StatusUnprocessableEntity},
		{"invalid json", "", `{"model":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, mux, http.MethodPost, "/api/v1/structured/completions", tt.owner, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

type stubCompleter struct {
	got *structured.Request
	err error
}

func (s *stubCompleter) Complete(_ context.Context, req *structured.Request) (*structured.Result, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &structured.Result{StructuredOutput: map[string]any{"ok": true}}, nil
}

func TestStructuredHandler_PassesOwnerAndFlags(t *testing.T) {
	stub := &stubCompleter{}
	mux := http.NewServeMux()
	NewStructuredHandler(stub, nil).Register(mux)

	body := `{"model":"m","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],` +
		`"schema_id":"s-1","strict":true,"max_retries":3,"return_raw_response":true,"temperature":0.5}`
	w, _ := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "alice", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, stub.got)
	assert.Equal(t, "alice", stub.got.Owner)
	assert.Equal(t, "s-1", stub.got.SchemaID)
	assert.True(t, stub.got.Strict)
	assert.True(t, stub.got.ReturnRawResponse)
	require.NotNil(t, stub.got.MaxRetries)
	assert.Equal(t, 3, *stub.got.MaxRetries)
	assert.InDelta(t, 0.5, stub.got.Temperature, 1e-6)
	require.Len(t, stub.got.Messages, 2)
	assert.Equal(t, "system", string(stub.got.Messages[0].Role))

	stub.err = errors.New("unexpected")
	w, env := do(t, mux, http.MethodPost, "/api/v1/structured/completions", "alice", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
}
