package providers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/goccy/go-json"
)

// =============================================================================
// ⚠️ 上游错误映射
// =============================================================================

// StatusOverloaded 部分厂商在模型过载时返回的非标准状态码
const StatusOverloaded = 529

// maxErrorBody 错误响应体最多读取的字节数
const maxErrorBody = 64 << 10

type statusMapping struct {
	code      llm.ErrorCode
	retryable bool
}

var statusMappings = map[int]statusMapping{
	http.StatusUnauthorized:    {llm.ErrUnauthorized, false},
	http.StatusForbidden:       {llm.ErrForbidden, false},
	http.StatusBadRequest:      {llm.ErrInvalidRequest, false},
	http.StatusTooManyRequests: {llm.ErrRateLimited, true},
	http.StatusRequestTimeout:  {llm.ErrUpstreamTimeout, true},
	http.StatusGatewayTimeout:  {llm.ErrUpstreamTimeout, true},
	StatusOverloaded:           {llm.ErrModelOverloaded, true},
}

// MapHTTPError 把上游状态码转换为 llm.Error。
// 400 中带 quota / credit 字样的视为配额耗尽；未列出的状态码只有 5xx 可重试
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	m, ok := statusMappings[status]
	if !ok {
		m = statusMapping{code: llm.ErrUpstreamError, retryable: status >= 500}
	}
	if status == http.StatusBadRequest && mentionsQuota(msg) {
		m = statusMapping{code: llm.ErrQuotaExceeded}
	}
	return &llm.Error{
		Code:       m.code,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  m.retryable,
		Provider:   provider,
	}
}

func mentionsQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "credit")
}

// ReadErrorMessage 优先解析 OpenAI 风格的 {"error":{...}}，否则返回原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var env OpenAICompatErrorResp
	if json.Unmarshal(data, &env) != nil || env.Error.Message == "" {
		return strings.TrimSpace(string(data))
	}
	if env.Error.Type == "" {
		return env.Error.Message
	}
	return fmt.Sprintf("%s (type: %s)", env.Error.Message, env.Error.Type)
}

// SafeCloseBody 关闭响应体，忽略错误
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// =============================================================================
// 📦 OpenAI Chat Completions 线上格式
// =============================================================================

type OpenAICompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// OpenAICompatResponseFormat response_format，JSON 模式下为 {"type":"json_object"}
type OpenAICompatResponseFormat struct {
	Type string `json:"type"`
}

type OpenAICompatRequest struct {
	Model          string                      `json:"model"`
	Messages       []OpenAICompatMessage       `json:"messages"`
	MaxTokens      int                         `json:"max_tokens,omitempty"`
	Temperature    float32                     `json:"temperature,omitempty"`
	TopP           float32                     `json:"top_p,omitempty"`
	Stop           []string                    `json:"stop,omitempty"`
	ResponseFormat *OpenAICompatResponseFormat `json:"response_format,omitempty"`
}

type OpenAICompatChoice struct {
	Index        int                 `json:"index"`
	FinishReason string              `json:"finish_reason"`
	Message      OpenAICompatMessage `json:"message"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

// OpenAICompatErrorResp 错误响应。code 在不同厂商中可能是字符串或数字
type OpenAICompatErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

// =============================================================================
// 🔄 llm 类型转换
// =============================================================================

// ConvertMessagesToOpenAI 角色名原样透传
func ConvertMessagesToOpenAI(msgs []llm.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = OpenAICompatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name}
	}
	return out
}

// ConvertResponseFormat 未设置时返回 nil，请求体中不出现 response_format
func ConvertResponseFormat(rf *llm.ResponseFormat) *OpenAICompatResponseFormat {
	if rf == nil || rf.Type == "" {
		return nil
	}
	return &OpenAICompatResponseFormat{Type: string(rf.Type)}
}

// ToLLMChatResponse 所有选项的角色统一为 assistant；缺少 usage 时用量为零
func ToLLMChatResponse(oa OpenAICompatResponse, provider string) *llm.ChatResponse {
	resp := &llm.ChatResponse{
		ID:       oa.ID,
		Provider: provider,
		Model:    oa.Model,
		Choices:  make([]llm.ChatChoice, len(oa.Choices)),
	}
	for i, c := range oa.Choices {
		resp.Choices[i] = llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: c.Message.Content, Name: c.Message.Name},
		}
	}
	if u := oa.Usage; u != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return resp
}

// ChooseModel 请求 > 默认模型 > 兜底模型
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	for _, m := range []string{requestModel(req), defaultModel} {
		if m != "" {
			return m
		}
	}
	return fallbackModel
}

func requestModel(req *llm.ChatRequest) string {
	if req == nil {
		return ""
	}
	return req.Model
}
