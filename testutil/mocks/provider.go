// Package mocks 提供补全服务的测试替身。
//
// MockProvider 支持固定回复、按调用顺序编排的脚本回复、错误注入与延迟，
// 并记录每次调用的请求快照，便于断言重试时的修正提示。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/types"
)

// Step 脚本中的一次回复。Err 非空时本次调用返回该错误
type Step struct {
	Content string
	Err     error
}

// Reply 返回 content 的脚本步骤
func Reply(content string) Step { return Step{Content: content} }

// Fail 返回 err 的脚本步骤
func Fail(err error) Step { return Step{Err: err} }

// CompletionFunc 完全接管 Completion 的自定义实现
type CompletionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

// MockProviderCall 一次调用的记录，Request 为调用时的深拷贝
type MockProviderCall struct {
	Request  llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// MockProvider 实现 llm.Provider 与 llm.HealthChecker，并发安全
type MockProvider struct {
	mu sync.Mutex

	name     string
	fallback string
	script   []Step
	err      error
	custom   CompletionFunc
	delay    time.Duration

	promptTokens     int
	completionTokens int

	calls []MockProviderCall
}

// NewMockProvider 默认回复 "Mock response"，每次用量 10 + 20 tokens
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		fallback:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// NewSuccessProvider 每次都回复 response
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider 每次都返回 err
func NewErrorProvider(err error) *MockProvider {
	m := NewMockProvider()
	m.err = err
	return m
}

// NewScriptedProvider 依次回放 steps，用尽后回复默认内容
func NewScriptedProvider(steps ...Step) *MockProvider {
	m := NewMockProvider()
	m.script = append([]Step(nil), steps...)
	return m
}

func (m *MockProvider) configure(fn func()) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
	return m
}

// WithResponse 设置脚本用尽后的回复
func (m *MockProvider) WithResponse(response string) *MockProvider {
	return m.configure(func() { m.fallback = response })
}

// WithTokenUsage 设置每次调用上报的用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	return m.configure(func() { m.promptTokens, m.completionTokens = prompt, completion })
}

// WithDelay 每次调用前等待 d，等待期间响应 ctx 取消
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	return m.configure(func() { m.delay = d })
}

// WithCompletionFunc 设置后忽略脚本与固定回复
func (m *MockProvider) WithCompletionFunc(fn CompletionFunc) *MockProvider {
	return m.configure(func() { m.custom = fn })
}

func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// Completion 按 预设错误 → 自定义函数 → 脚本 → 固定回复 的顺序决定结果
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	snapshot := *req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)

	m.mu.Lock()
	index := len(m.calls)
	// 先占位，保证并发调用的序号与脚本一一对应
	m.calls = append(m.calls, MockProviderCall{Request: snapshot})
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, m.finish(index, nil, ctx.Err())
		case <-time.After(delay):
		}
	}

	resp, err := m.respond(ctx, index, req)
	return resp, m.finish(index, resp, err)
}

func (m *MockProvider) respond(ctx context.Context, index int, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	presetErr, custom := m.err, m.custom
	content := m.fallback
	var stepErr error
	if index < len(m.script) {
		if step := m.script[index]; step.Err != nil {
			stepErr = step.Err
		} else {
			content = step.Content
		}
	}
	prompt, completion := m.promptTokens, m.completionTokens
	name := m.name
	m.mu.Unlock()

	switch {
	case presetErr != nil:
		return nil, presetErr
	case custom != nil:
		return custom(ctx, req)
	case stepErr != nil:
		return nil, stepErr
	}

	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(content),
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		CreatedAt: time.Now(),
	}, nil
}

func (m *MockProvider) finish(index int, resp *llm.ChatResponse, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[index].Response = resp
	m.calls[index].Error = err
	return err
}

// GetCalls 返回调用记录的副本
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockProviderCall(nil), m.calls...)
}

// GetCallCount 已发起的调用次数，包含仍在等待中的调用
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// GetLastCall 没有调用时返回 nil
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	last := m.calls[len(m.calls)-1]
	return &last
}
