package providers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		msg           string
		expectedCode  llm.ErrorCode
		expectedRetry bool
	}{
		{"401 unauthorized", http.StatusUnauthorized, "bad key", llm.ErrUnauthorized, false},
		{"403 forbidden", http.StatusForbidden, "policy", llm.ErrForbidden, false},
		{"429 rate limited", http.StatusTooManyRequests, "slow down", llm.ErrRateLimited, true},
		{"400 quota", http.StatusBadRequest, "Quota exceeded for this key", llm.ErrQuotaExceeded, false},
		{"400 credit", http.StatusBadRequest, "insufficient credit", llm.ErrQuotaExceeded, false},
		{"400 invalid", http.StatusBadRequest, "bad field", llm.ErrInvalidRequest, false},
		{"504 timeout", http.StatusGatewayTimeout, "timeout", llm.ErrUpstreamTimeout, true},
		{"529 overloaded", 529, "overloaded", llm.ErrModelOverloaded, true},
		{"500 upstream", http.StatusInternalServerError, "boom", llm.ErrUpstreamError, true},
		{"502 upstream", http.StatusBadGateway, "bad gateway", llm.ErrUpstreamError, true},
		{"418 other", http.StatusTeapot, "teapot", llm.ErrUpstreamError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapHTTPError(tt.status, tt.msg, "openai")
			require.NotNil(t, err)
			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.expectedRetry, err.Retryable)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.Equal(t, "openai", err.Provider)
			assert.Equal(t, tt.msg, err.Message)
		})
	}
}

func TestReadErrorMessage(t *testing.T) {
	t.Run("openai error body", func(t *testing.T) {
		body := `{"error":{"message":"model not found","type":"invalid_request_error"}}`
		assert.Equal(t, "model not found (type: invalid_request_error)", ReadErrorMessage(strings.NewReader(body)))
	})

	t.Run("message without type", func(t *testing.T) {
		body := `{"error":{"message":"nope"}}`
		assert.Equal(t, "nope", ReadErrorMessage(strings.NewReader(body)))
	})

	t.Run("plain text fallback", func(t *testing.T) {
		assert.Equal(t, "upstream exploded", ReadErrorMessage(strings.NewReader("upstream exploded\n")))
	})
}

func TestChooseModel_Priority(t *testing.T) {
	tests := []struct {
		name          string
		req           *llm.ChatRequest
		defaultModel  string
		fallbackModel string
		expected      string
	}{
		{"request wins", &llm.ChatRequest{Model: "req"}, "def", "fb", "req"},
		{"default when request empty", &llm.ChatRequest{}, "def", "fb", "def"},
		{"fallback when both empty", &llm.ChatRequest{}, "", "fb", "fb"},
		{"nil request", nil, "def", "fb", "def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChooseModel(tt.req, tt.defaultModel, tt.fallbackModel))
		})
	}
}

func TestConvertResponseFormat(t *testing.T) {
	assert.Nil(t, ConvertResponseFormat(nil))
	assert.Nil(t, ConvertResponseFormat(&llm.ResponseFormat{}))

	got := ConvertResponseFormat(&llm.ResponseFormat{Type: llm.ResponseFormatJSONObject})
	require.NotNil(t, got)
	assert.Equal(t, "json_object", got.Type)
}

func TestToLLMChatResponse(t *testing.T) {
	oa := OpenAICompatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []OpenAICompatChoice{
			{Index: 0, FinishReason: "stop", Message: OpenAICompatMessage{Role: "assistant", Content: `{"a":1}`}},
		},
		Usage: &OpenAICompatUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
	}

	resp := ToLLMChatResponse(oa, "openai")
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, llm.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, `{"a":1}`, resp.FirstContent())
	assert.Equal(t, 14, resp.Usage.TotalTokens)

	noUsage := ToLLMChatResponse(OpenAICompatResponse{ID: "x"}, "openai")
	assert.Equal(t, llm.ChatUsage{}, noUsage.Usage)
	assert.Empty(t, noUsage.Choices)
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hi", Name: "alice"},
	}
	out := ConvertMessagesToOpenAI(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "sys", out[0].Content)
	assert.Equal(t, "user", out[1].Role)
	assert.Equal(t, "alice", out[1].Name)
}
