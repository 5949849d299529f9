package structured

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/testutil/mocks"
	"github.com/BaSui01/schemaflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func userMessages() []types.Message {
	return []types.Message{types.NewUserMessage("Classify: I love this product")}
}

func newOrchestrator(t *testing.T, provider llm.Provider, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(provider, NewCompiler(), opts...)
	require.NoError(t, err)
	return o
}

func inlineRequest(maxRetries int, strict bool) *Request {
	return &Request{
		Messages:   userMessages(),
		Model:      "mock-model",
		Schema:     []byte(sentimentSchema),
		Strict:     strict,
		MaxRetries: intPtr(maxRetries),
	}
}

// recordingMetrics captures recorder calls.
type recordingMetrics struct {
	mu          sync.Mutex
	attempts    []AttemptOutcome
	final       State
	retriesUsed int
	usage       llm.ChatUsage
}

func (m *recordingMetrics) RecordAttempt(_, _ string, outcome AttemptOutcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, outcome)
}

func (m *recordingMetrics) RecordCompletion(_, _ string, final State, retriesUsed int, usage llm.ChatUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.final = final
	m.retriesUsed = retriesUsed
	m.usage = usage
}

// fakeResolver resolves ids from a map and counts uses.
type fakeResolver struct {
	mu      sync.Mutex
	schemas map[string]*ResolvedSchema
	uses    map[string]int
}

func (f *fakeResolver) ResolveSchema(_ context.Context, owner, id string) (*ResolvedSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schemas[id]
	if !ok || owner != "owner-1" {
		return nil, types.NewError(types.ErrResourceNotFound, "schema not found")
	}
	f.uses[id]++
	return s, nil
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, NewCompiler())
	assert.Error(t, err)

	_, err = NewOrchestrator(mocks.NewMockProvider(), nil)
	assert.Error(t, err)
}

func TestOrchestrator_FirstAttemptSuccess(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
	o := newOrchestrator(t, provider)

	result, err := o.Complete(context.Background(), inlineRequest(2, true))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"sentiment": "positive"}, result.StructuredOutput)
	assert.Equal(t, 0, result.RetriesUsed)
	assert.Empty(t, result.ValidationErrors)
	assert.Empty(t, result.RawResponse)
	assert.True(t, result.Valid())
	assert.Equal(t, 1, provider.GetCallCount())
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, StateSuccess, result.Attempts[0].State)

	call := provider.GetLastCall()
	require.NotNil(t, call)
	require.Len(t, call.Request.Messages, 2)
	assert.Equal(t, types.RoleSystem, call.Request.Messages[0].Role)
	assert.Contains(t, call.Request.Messages[0].Content, "\"sentiment\"")
	assert.Contains(t, call.Request.Messages[0].Content, "ONLY the JSON object")
	assert.Equal(t, userMessages()[0], call.Request.Messages[1])
}

func TestOrchestrator_JSONInProse(t *testing.T) {
	clean := newOrchestrator(t, mocks.NewSuccessProvider(`{"sentiment":"positive"}`))
	prose := newOrchestrator(t, mocks.NewSuccessProvider(`Sure! {"sentiment": "positive"}`))

	want, err := clean.Complete(context.Background(), inlineRequest(2, true))
	require.NoError(t, err)
	got, err := prose.Complete(context.Background(), inlineRequest(2, true))
	require.NoError(t, err)

	assert.Equal(t, want.StructuredOutput, got.StructuredOutput)
	assert.Equal(t, want.RetriesUsed, got.RetriesUsed)
	assert.Equal(t, want.ValidationErrors, got.ValidationErrors)
}

func TestOrchestrator_ParseFailuresThenSuccess(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		mocks.Reply("I think it is neutral."),
		mocks.Reply("Let me reconsider..."),
		mocks.Reply(`{"sentiment":"neutral"}`),
	)
	o := newOrchestrator(t, provider)

	result, err := o.Complete(context.Background(), inlineRequest(2, true))
	require.NoError(t, err)

	assert.Equal(t, 2, result.RetriesUsed)
	assert.Equal(t, map[string]any{"sentiment": "neutral"}, result.StructuredOutput)
	assert.Equal(t, 3, provider.GetCallCount())

	// No corrective message follows a parse failure.
	for _, call := range provider.GetCalls() {
		assert.Len(t, call.Request.Messages, 2)
	}
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, OutcomeParseFailure, result.Attempts[0].Outcome)
	assert.Equal(t, StateParseFailed, result.Attempts[0].State)
	assert.Equal(t, OutcomeValid, result.Attempts[2].Outcome)
}

func TestOrchestrator_ZeroRetriesMakesExactlyOneCall(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"furious"}`)
	o := newOrchestrator(t, provider)

	_, err := o.Complete(context.Background(), inlineRequest(0, true))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidationFailed))
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestOrchestrator_StrictValidationExhaustion(t *testing.T) {
	const maxRetries = 3
	provider := mocks.NewSuccessProvider(`{"sentiment":"furious"}`)
	o := newOrchestrator(t, provider)

	result, err := o.Complete(context.Background(), inlineRequest(maxRetries, true))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, types.IsCode(err, types.ErrValidationFailed))
	assert.Equal(t, maxRetries+1, provider.GetCallCount())

	details, ok := FailureDetailsOf(err)
	require.True(t, ok)
	assert.Equal(t, maxRetries, details.RetriesUsed)
	require.NotEmpty(t, details.Violations)
	assert.Equal(t, "/sentiment", details.Violations[0].Path)

	// Each retry after a validation failure carries one more feedback message.
	calls := provider.GetCalls()
	for i, call := range calls {
		require.Len(t, call.Request.Messages, 2+i)
		if i > 0 {
			last := call.Request.Messages[len(call.Request.Messages)-1]
			assert.Equal(t, types.RoleUser, last.Role)
			assert.Contains(t, last.Content, "/sentiment")
			assert.Contains(t, last.Content, "strictly satisfies the schema")
		}
	}
}

func TestOrchestrator_LenientValidationExhaustion(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"sentiment":"furious"}`),
		mocks.Reply(`{"sentiment":"ecstatic"}`),
	)
	o := newOrchestrator(t, provider)

	result, err := o.Complete(context.Background(), inlineRequest(1, false))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"sentiment": "ecstatic"}, result.StructuredOutput)
	assert.NotEmpty(t, result.ValidationErrors)
	assert.Equal(t, 1, result.RetriesUsed)
	assert.False(t, result.Valid())
	assert.Equal(t, StateExhaustedLenient, result.State)
	assert.Equal(t, 2, provider.GetCallCount())
}

func TestOrchestrator_NullOutputAllowedBySchema(t *testing.T) {
	provider := mocks.NewSuccessProvider(`null`)
	o := newOrchestrator(t, provider)

	req := inlineRequest(0, true)
	req.Schema = []byte(`{"type":["object","null"]}`)
	result, err := o.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Nil(t, result.StructuredOutput)
	assert.Empty(t, result.ValidationErrors)
	assert.Equal(t, StateSuccess, result.State)
	assert.True(t, result.Valid())
}

func TestResult_Valid(t *testing.T) {
	var nilResult *Result
	assert.False(t, nilResult.Valid())
	assert.False(t, (&Result{StructuredOutput: map[string]any{"a": 1}, State: StateExhaustedLenient}).Valid())
	assert.True(t, (&Result{State: StateSuccess}).Valid())
}

func TestOrchestrator_StrictParseExhaustion(t *testing.T) {
	provider := mocks.NewSuccessProvider("no json here")
	o := newOrchestrator(t, provider)

	_, err := o.Complete(context.Background(), inlineRequest(1, true))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrParseError))
	assert.ErrorIs(t, err, ErrNoJSON)
	assert.Equal(t, 2, provider.GetCallCount())

	details, ok := FailureDetailsOf(err)
	require.True(t, ok)
	assert.Equal(t, 1, details.RetriesUsed)
	assert.Equal(t, "no json here", details.RawResponse)
}

func TestOrchestrator_LenientParseExhaustionAlwaysReturnsRaw(t *testing.T) {
	provider := mocks.NewSuccessProvider("no json here")
	o := newOrchestrator(t, provider)

	req := inlineRequest(1, false)
	req.ReturnRawResponse = false
	result, err := o.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Nil(t, result.StructuredOutput)
	assert.Equal(t, "no json here", result.RawResponse)
	require.Len(t, result.ValidationErrors, 1)
	assert.Equal(t, "", result.ValidationErrors[0].Path)
	assert.Contains(t, result.ValidationErrors[0].Message, "not valid JSON")
	assert.Equal(t, 1, result.RetriesUsed)
}

func TestOrchestrator_ReturnRawResponse(t *testing.T) {
	raw := `Sure! {"sentiment":"negative"}`
	o := newOrchestrator(t, mocks.NewSuccessProvider(raw))

	req := inlineRequest(0, true)
	req.ReturnRawResponse = true
	result, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, raw, result.RawResponse)
}

func TestOrchestrator_ProviderErrorsShareRetryBudget(t *testing.T) {
	upstream := &llm.Error{Code: llm.ErrUpstreamError, Message: "502 from upstream", Retryable: true}
	provider := mocks.NewScriptedProvider(
		mocks.Fail(upstream),
		mocks.Reply(`{"sentiment":"positive"}`),
	)
	o := newOrchestrator(t, provider)

	result, err := o.Complete(context.Background(), inlineRequest(1, true))
	require.NoError(t, err)
	assert.Equal(t, 1, result.RetriesUsed)
	assert.Equal(t, OutcomeProviderFailure, result.Attempts[0].Outcome)
	assert.Equal(t, "502 from upstream", result.Attempts[0].Error)
}

func TestOrchestrator_ProviderExhaustionIsAlwaysError(t *testing.T) {
	upstream := &llm.Error{Code: llm.ErrUpstreamError, Message: "down", Retryable: true}

	for _, strict := range []bool{true, false} {
		provider := mocks.NewErrorProvider(upstream)
		o := newOrchestrator(t, provider)

		result, err := o.Complete(context.Background(), inlineRequest(2, strict))
		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, types.IsCode(err, types.ErrProviderError))
		assert.True(t, types.IsRetryable(err))
		assert.Equal(t, 3, provider.GetCallCount())

		var llmErr *llm.Error
		assert.ErrorAs(t, err, &llmErr)

		e, ok := types.AsError(err)
		require.True(t, ok)
		assert.Equal(t, "mock", e.Provider)
	}
}

func TestOrchestrator_AttemptTimeoutIsProviderFailure(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`).WithDelay(500 * time.Millisecond)
	o := newOrchestrator(t, provider, WithConfig(Config{DefaultMaxRetries: 1, AttemptTimeout: 20 * time.Millisecond}))

	req := inlineRequest(1, true)
	req.MaxRetries = nil
	_, err := o.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderError))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, provider.GetCallCount())
}

func TestOrchestrator_CancelledContextStopsRetrying(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`).WithDelay(time.Second)
	o := newOrchestrator(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Complete(ctx, inlineRequest(5, false))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderError))
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestOrchestrator_EmptyChoicesIsProviderFailure(t *testing.T) {
	provider := mocks.NewMockProvider().WithCompletionFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ID: "empty"}, nil
	})
	o := newOrchestrator(t, provider)

	_, err := o.Complete(context.Background(), inlineRequest(0, false))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderError))
}

func TestOrchestrator_RequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"max retries negative", func(r *Request) { r.MaxRetries = intPtr(-1) }},
		{"max retries above limit", func(r *Request) { r.MaxRetries = intPtr(MaxRetriesLimit + 1) }},
		{"no messages", func(r *Request) { r.Messages = nil }},
		{"bad role", func(r *Request) { r.Messages = []types.Message{{Role: "tool", Content: "x"}} }},
		{"no schema", func(r *Request) { r.Schema = nil }},
		{"both schema and id", func(r *Request) { r.SchemaID = "abc" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
			o := newOrchestrator(t, provider)

			req := inlineRequest(1, true)
			tt.mutate(req)
			_, err := o.Complete(context.Background(), req)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrInvalidRequest), "got %v", err)
			assert.Equal(t, 0, provider.GetCallCount())
		})
	}

	var nilReq *Request
	_, err := newOrchestrator(t, mocks.NewMockProvider()).Complete(context.Background(), nilReq)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestOrchestrator_MaxRetriesBoundsAccepted(t *testing.T) {
	for _, n := range []int{0, MaxRetriesLimit} {
		provider := mocks.NewSuccessProvider(`{"sentiment":"furious"}`)
		o := newOrchestrator(t, provider)

		_, err := o.Complete(context.Background(), inlineRequest(n, true))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrValidationFailed))
		assert.Equal(t, n+1, provider.GetCallCount())
	}
}

func TestOrchestrator_InvalidInlineSchemaFailsFast(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{}`)
	o := newOrchestrator(t, provider)

	req := inlineRequest(3, false)
	req.Schema = []byte(`{"type":"invalid_type"}`)
	_, err := o.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSchemaInvalid))
	assert.Equal(t, 0, provider.GetCallCount())
}

func TestOrchestrator_DefaultMaxRetries(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"furious"}`)
	o := newOrchestrator(t, provider)

	req := inlineRequest(0, true)
	req.MaxRetries = nil
	_, err := o.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, DefaultConfig().DefaultMaxRetries+1, provider.GetCallCount())
}

func TestOrchestrator_SchemaByReference(t *testing.T) {
	resolver := &fakeResolver{
		schemas: map[string]*ResolvedSchema{
			"schema-1": {ID: "schema-1", Version: 4, Schema: []byte(sentimentSchema), Example: []byte(`{"sentiment":"neutral"}`)},
		},
		uses: map[string]int{},
	}
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
	o := newOrchestrator(t, provider, WithResolver(resolver))

	req := &Request{Messages: userMessages(), Model: "mock-model", SchemaID: "schema-1", Owner: "owner-1", MaxRetries: intPtr(0)}
	result, err := o.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "schema-1", result.SchemaID)
	assert.Equal(t, 4, result.SchemaVersion)
	assert.Equal(t, 1, resolver.uses["schema-1"])
	assert.Contains(t, provider.GetLastCall().Request.Messages[0].Content, "Example output:")

	req.Owner = "someone-else"
	_, err = o.Complete(context.Background(), req)
	assert.True(t, types.IsCode(err, types.ErrResourceNotFound))
	assert.Equal(t, 1, resolver.uses["schema-1"])
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestOrchestrator_SchemaByReferenceWithoutResolver(t *testing.T) {
	o := newOrchestrator(t, mocks.NewMockProvider())
	_, err := o.Complete(context.Background(), &Request{Messages: userMessages(), SchemaID: "x"})
	assert.True(t, types.IsCode(err, types.ErrInternalError))
}

func TestOrchestrator_JSONModeHint(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", true},
		{"llama3:8b", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
			o := newOrchestrator(t, provider)

			req := inlineRequest(0, true)
			req.Model = tt.model
			_, err := o.Complete(context.Background(), req)
			require.NoError(t, err)

			rf := provider.GetLastCall().Request.ResponseFormat
			if tt.want {
				require.NotNil(t, rf)
				assert.Equal(t, llm.ResponseFormatJSONObject, rf.Type)
			} else {
				assert.Nil(t, rf)
			}
		})
	}
}

func TestOrchestrator_UsageAccounting(t *testing.T) {
	provider := mocks.NewScriptedProvider(
		mocks.Reply(`{"sentiment":"bad"}`),
		mocks.Reply(`{"sentiment":"positive"}`),
	).WithTokenUsage(100, 10)
	metrics := &recordingMetrics{}
	o := newOrchestrator(t, provider, WithMetrics(metrics))

	result, err := o.Complete(context.Background(), inlineRequest(2, true))
	require.NoError(t, err)

	assert.Equal(t, llm.ChatUsage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110}, result.Usage)
	assert.Equal(t, llm.ChatUsage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220}, result.TotalUsage)
	assert.Equal(t, "mock-response-id", result.ResponseID)

	assert.Equal(t, []AttemptOutcome{OutcomeInvalid, OutcomeValid}, metrics.attempts)
	assert.Equal(t, StateSuccess, metrics.final)
	assert.Equal(t, 1, metrics.retriesUsed)
	assert.Equal(t, 220, metrics.usage.TotalTokens)
}

func TestOrchestrator_PassesSamplingConfig(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
	o := newOrchestrator(t, provider)

	req := inlineRequest(0, true)
	req.Temperature = 0.3
	req.TopP = 0.9
	req.MaxTokens = 256
	_, err := o.Complete(context.Background(), req)
	require.NoError(t, err)

	got := provider.GetLastCall().Request
	assert.Equal(t, "mock-model", got.Model)
	assert.Equal(t, float32(0.3), got.Temperature)
	assert.Equal(t, float32(0.9), got.TopP)
	assert.Equal(t, 256, got.MaxTokens)
}

func TestOrchestrator_ConcurrentRequests(t *testing.T) {
	provider := mocks.NewSuccessProvider(`{"sentiment":"positive"}`)
	o := newOrchestrator(t, provider)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Complete(context.Background(), inlineRequest(0, true))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 20, provider.GetCallCount())
}

func TestFailureDetailsOf_NonOrchestratorError(t *testing.T) {
	_, ok := FailureDetailsOf(errors.New("plain"))
	assert.False(t, ok)

	_, ok = FailureDetailsOf(types.NewError(types.ErrInternalError, "x"))
	assert.False(t, ok)
}
