package structured

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/schemaflow/internal/ctxkeys"
	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MaxRetriesLimit is the upper bound accepted for Request.MaxRetries.
const MaxRetriesLimit = 10

const tracerName = "github.com/BaSui01/schemaflow/structured"

// =============================================================================
// 📦 请求与结果
// =============================================================================

// Request is a structured completion request. Exactly one of SchemaID or
// Schema must be set.
type Request struct {
	Messages    []types.Message
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int

	// SchemaID references a stored schema resource; resolving it counts as one use.
	SchemaID string
	// Schema is an inline JSON Schema document, Example its optional sample output.
	Schema  []byte
	Example []byte

	Strict bool
	// MaxRetries must lie in [0, MaxRetriesLimit]; nil selects the configured default.
	MaxRetries        *int
	ReturnRawResponse bool

	// Owner scopes schema resolution by id.
	Owner string
}

// AttemptRecord is the per-attempt outcome log carried on a Result.
type AttemptRecord struct {
	Attempt    int            `json:"attempt"`
	Outcome    AttemptOutcome `json:"outcome"`
	State      State          `json:"state"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Result is returned on success and on lenient exhaustion.
type Result struct {
	StructuredOutput any           `json:"structured_output"`
	ValidationErrors []Violation   `json:"validation_errors,omitempty"`
	RawResponse      string        `json:"raw_response,omitempty"`
	Usage            llm.ChatUsage `json:"usage"`
	TotalUsage       llm.ChatUsage `json:"total_usage"`
	RetriesUsed      int           `json:"retries_used"`
	// State is the terminal state: StateSuccess or StateExhaustedLenient.
	State State `json:"state"`

	Model         string          `json:"model,omitempty"`
	ResponseID    string          `json:"response_id,omitempty"`
	SchemaID      string          `json:"schema_id,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Attempts      []AttemptRecord `json:"attempts"`
}

// Valid reports whether the result passed schema validation. A JSON null
// output is valid when the schema admits it.
func (r *Result) Valid() bool {
	return r != nil && r.State == StateSuccess
}

// FailureDetails is attached as types.Error.Details on every terminal
// orchestrator error.
type FailureDetails struct {
	RetriesUsed int         `json:"retries_used"`
	Violations  []Violation `json:"violations,omitempty"`
	RawResponse string      `json:"raw_response,omitempty"`
}

// FailureDetailsOf extracts FailureDetails from an orchestrator error.
func FailureDetailsOf(err error) (*FailureDetails, bool) {
	e, ok := types.AsError(err)
	if !ok {
		return nil, false
	}
	d, ok := e.Details.(*FailureDetails)
	return d, ok
}

// =============================================================================
// 🔌 依赖
// =============================================================================

// ResolvedSchema is a stored schema as seen by the orchestrator.
type ResolvedSchema struct {
	ID      string
	Version int
	Schema  []byte
	Example []byte
}

// SchemaResolver loads a stored schema by id and records one use of it.
type SchemaResolver interface {
	ResolveSchema(ctx context.Context, owner, id string) (*ResolvedSchema, error)
}

// MetricsRecorder receives per-attempt and per-request observations.
type MetricsRecorder interface {
	RecordAttempt(provider, model string, outcome AttemptOutcome, duration time.Duration)
	RecordCompletion(provider, model string, final State, retriesUsed int, usage llm.ChatUsage)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string, string, AttemptOutcome, time.Duration) {}

func (nopRecorder) RecordCompletion(string, string, State, int, llm.ChatUsage) {}

// Config tunes the orchestrator.
type Config struct {
	DefaultMaxRetries int
	// AttemptTimeout bounds each provider call; zero leaves only the caller's deadline.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: 2,
		AttemptTimeout:    60 * time.Second,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the orchestrator configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithResolver enables schema resolution by id.
func WithResolver(r SchemaResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithJSONMode replaces the JSON-mode allow-list.
func WithJSONMode(l *JSONModeAllowList) Option {
	return func(o *Orchestrator) { o.jsonMode = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// =============================================================================
// 🔁 编排器
// =============================================================================

// Orchestrator drives the extract / validate / feedback / retry loop
// against a completion provider. It is safe for concurrent use; each
// Complete call is an independent sequential chain.
type Orchestrator struct {
	provider llm.Provider
	compiler Compiler
	resolver SchemaResolver
	jsonMode *JSONModeAllowList
	metrics  MetricsRecorder
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(provider llm.Provider, compiler Compiler, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if compiler == nil {
		return nil, fmt.Errorf("compiler cannot be nil")
	}
	o := &Orchestrator{
		provider: provider,
		compiler: compiler,
		jsonMode: NewJSONModeAllowList(nil),
		metrics:  nopRecorder{},
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	o.logger = o.logger.With(zap.String("component", "structured"))
	return o, nil
}

// Complete runs one structured completion.
//
// Caller mistakes (bad request, unknown or malformed schema) fail before any
// provider call. Parse failures, validation failures and provider failures
// share the retry budget; once it is spent, Strict decides between an error
// and a best-effort Result. Provider failures always end in a PROVIDER_ERROR.
func (o *Orchestrator) Complete(ctx context.Context, req *Request) (*Result, error) {
	maxRetries, err := o.validateRequest(req)
	if err != nil {
		return nil, err
	}

	schema, err := o.resolveSchema(ctx, req)
	if err != nil {
		return nil, err
	}

	validator, err := o.compiler.Compile(schema.Schema)
	if err != nil {
		return nil, err
	}

	instruction, err := BuildInstructionMessage(schema.Schema, schema.Example)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(req.Messages)+1+maxRetries)
	messages = append(messages, instruction)
	messages = append(messages, req.Messages...)

	chatReq := llm.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		chatReq.TraceID = traceID
	}
	if o.jsonMode != nil && o.jsonMode.Supports(req.Model) {
		chatReq.ResponseFormat = &llm.ResponseFormat{Type: llm.ResponseFormatJSONObject}
	}

	ctx, span := o.tracer.Start(ctx, "structured.complete", trace.WithAttributes(
		attribute.String("llm.provider", o.provider.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Bool("structured.strict", req.Strict),
		attribute.Int("structured.max_retries", maxRetries),
		attribute.Bool("structured.json_mode", chatReq.ResponseFormat != nil),
		attribute.String("schema.id", schema.ID),
	))
	defer span.End()

	run := &run{
		orchestrator: o,
		req:          req,
		schema:       schema,
		validator:    validator,
		maxRetries:   maxRetries,
		chatReq:      chatReq,
		messages:     messages,
	}
	result, err := run.loop(ctx)

	final := run.state
	o.metrics.RecordCompletion(o.provider.Name(), req.Model, final, run.attempt, run.totalUsage)
	span.SetAttributes(
		attribute.String("structured.final_state", string(final)),
		attribute.Int("structured.retries_used", run.attempt),
		attribute.Int("llm.total_tokens", run.totalUsage.TotalTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("structured completion failed",
			zap.String("model", req.Model),
			zap.String("final_state", string(final)),
			zap.Int("retries_used", run.attempt),
			zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{
		zap.String("model", req.Model),
		zap.String("final_state", string(final)),
		zap.Int("retries_used", result.RetriesUsed),
		zap.Int("total_tokens", result.TotalUsage.TotalTokens),
	}
	if final == StateSuccess {
		span.SetStatus(codes.Ok, "")
		o.logger.Info("structured completion succeeded", fields...)
	} else {
		o.logger.Warn("structured completion returned best-effort result",
			append(fields, zap.Int("violations", len(result.ValidationErrors)))...)
	}
	return result, nil
}

func (o *Orchestrator) validateRequest(req *Request) (int, error) {
	if req == nil {
		return 0, types.NewError(types.ErrInvalidRequest, "request is required")
	}
	if len(req.Messages) == 0 {
		return 0, types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return 0, types.Errorf(types.ErrInvalidRequest, "messages[%d]: unknown role %q", i, m.Role)
		}
	}

	hasInline := len(req.Schema) > 0
	switch {
	case req.SchemaID != "" && hasInline:
		return 0, types.NewError(types.ErrInvalidRequest, "schema_id and schema are mutually exclusive")
	case req.SchemaID == "" && !hasInline:
		return 0, types.NewError(types.ErrInvalidRequest, "one of schema_id or schema is required")
	}

	maxRetries := o.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > MaxRetriesLimit {
		return 0, types.Errorf(types.ErrInvalidRequest, "max_retries must be between 0 and %d, got %d", MaxRetriesLimit, maxRetries)
	}
	return maxRetries, nil
}

func (o *Orchestrator) resolveSchema(ctx context.Context, req *Request) (*ResolvedSchema, error) {
	if req.SchemaID == "" {
		return &ResolvedSchema{Schema: req.Schema, Example: req.Example}, nil
	}
	if o.resolver == nil {
		return nil, types.NewError(types.ErrInternalError, "schema resolution by id is not configured")
	}
	return o.resolver.ResolveSchema(ctx, req.Owner, req.SchemaID)
}

// run holds the mutable state of one Complete call.
type run struct {
	orchestrator *Orchestrator
	req          *Request
	schema       *ResolvedSchema
	validator    Validator
	maxRetries   int
	chatReq      llm.ChatRequest
	messages     []types.Message

	state      State
	attempt    int
	totalUsage llm.ChatUsage
	attempts   []AttemptRecord
}

// attemptResult captures everything one attempt produced.
type attemptResult struct {
	outcome    AttemptOutcome
	resp       *llm.ChatResponse
	raw        string
	value      any
	violations []Violation
	err        error
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	o := r.orchestrator
	r.state = StateAttempting

	for r.attempt = 0; ; r.attempt++ {
		res := r.runAttempt(ctx)
		r.state = Transition(r.state, res.outcome, r.attempt, r.maxRetries, r.req.Strict)
		r.attempts[len(r.attempts)-1].State = r.state

		// A cancelled caller context makes every further attempt fail the same way.
		if r.state == StateProviderFailed && ctx.Err() != nil {
			r.state = StateExhaustedStrict
			r.attempts[len(r.attempts)-1].State = r.state
		}

		switch r.state {
		case StateSuccess:
			return r.result(res, nil), nil
		case StateExhaustedLenient:
			return r.lenientResult(res), nil
		case StateExhaustedStrict:
			return nil, r.strictError(res)
		case StateValidationFailed:
			r.messages = append(r.messages, BuildFeedbackMessage(res.violations))
		case StateParseFailed, StateProviderFailed:
		}

		o.logger.Debug("retrying structured completion",
			zap.Int("attempt", r.attempt),
			zap.String("state", string(r.state)))
		r.state = Transition(r.state, OutcomeNone, r.attempt, r.maxRetries, r.req.Strict)
	}
}

func (r *run) runAttempt(ctx context.Context) attemptResult {
	o := r.orchestrator
	ctx, span := o.tracer.Start(ctx, "structured.attempt", trace.WithAttributes(
		attribute.Int("structured.attempt", r.attempt),
		attribute.Int("structured.messages", len(r.messages)),
	))
	defer span.End()

	start := time.Now()
	res := r.execute(ctx)
	elapsed := time.Since(start)

	record := AttemptRecord{
		Attempt:    r.attempt,
		Outcome:    res.outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if res.err != nil {
		record.Error = res.err.Error()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(res.outcome))
	} else if res.outcome == OutcomeInvalid {
		record.Error = fmt.Sprintf("%d schema violation(s)", len(res.violations))
		span.SetStatus(codes.Error, string(res.outcome))
	}
	span.SetAttributes(attribute.String("structured.outcome", string(res.outcome)))
	r.attempts = append(r.attempts, record)

	o.metrics.RecordAttempt(o.provider.Name(), r.req.Model, res.outcome, elapsed)
	o.logger.Debug("structured completion attempt",
		zap.Int("attempt", r.attempt),
		zap.String("outcome", string(res.outcome)),
		zap.Int("violations", len(res.violations)),
		zap.Duration("duration", elapsed),
		zap.Error(res.err))
	return res
}

func (r *run) execute(ctx context.Context) attemptResult {
	o := r.orchestrator

	chatReq := r.chatReq
	chatReq.Messages = append([]types.Message(nil), r.messages...)

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	}
	resp, err := o.provider.Completion(attemptCtx, &chatReq)
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	cancel()

	if err != nil {
		return attemptResult{outcome: OutcomeProviderFailure, err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return attemptResult{outcome: OutcomeProviderFailure, resp: resp, err: fmt.Errorf("no response choices returned")}
	}
	r.totalUsage = r.totalUsage.Add(resp.Usage)

	raw := resp.FirstContent()
	extraction := Extract(raw)
	if !extraction.OK() {
		return attemptResult{outcome: OutcomeParseFailure, resp: resp, raw: raw, err: extraction.Err}
	}

	validation := r.validator.Validate(extraction.Value)
	if !validation.Valid {
		return attemptResult{
			outcome:    OutcomeInvalid,
			resp:       resp,
			raw:        raw,
			value:      extraction.Value,
			violations: validation.Errors,
		}
	}
	return attemptResult{outcome: OutcomeValid, resp: resp, raw: raw, value: extraction.Value}
}

func (r *run) result(res attemptResult, violations []Violation) *Result {
	out := &Result{
		StructuredOutput: res.value,
		ValidationErrors: violations,
		TotalUsage:       r.totalUsage,
		RetriesUsed:      r.attempt,
		State:            r.state,
		Model:            r.req.Model,
		SchemaID:         r.schema.ID,
		SchemaVersion:    r.schema.Version,
		Attempts:         r.attempts,
	}
	if res.resp != nil {
		out.Usage = res.resp.Usage
		out.ResponseID = res.resp.ID
		if res.resp.Model != "" {
			out.Model = res.resp.Model
		}
	}
	if r.req.ReturnRawResponse {
		out.RawResponse = res.raw
	}
	return out
}

func (r *run) lenientResult(res attemptResult) *Result {
	if res.outcome == OutcomeParseFailure {
		out := r.result(res, []Violation{{Path: "", Message: "response is not valid JSON: " + res.err.Error()}})
		out.StructuredOutput = nil
		out.RawResponse = res.raw
		return out
	}
	return r.result(res, res.violations)
}

func (r *run) strictError(res attemptResult) error {
	o := r.orchestrator
	attempts := r.attempt + 1

	switch res.outcome {
	case OutcomeParseFailure:
		return types.Errorf(types.ErrParseError, "model output did not contain parsable JSON after %d attempt(s)", attempts).
			WithCause(res.err).
			WithDetails(&FailureDetails{RetriesUsed: r.attempt, RawResponse: res.raw})
	case OutcomeInvalid:
		return types.Errorf(types.ErrValidationFailed, "model output violated the schema after %d attempt(s)", attempts).
			WithDetails(&FailureDetails{RetriesUsed: r.attempt, Violations: res.violations})
	default:
		e := types.Errorf(types.ErrProviderError, "completion provider failed after %d attempt(s)", attempts).
			WithCause(res.err).
			WithProvider(o.provider.Name()).
			WithDetails(&FailureDetails{RetriesUsed: r.attempt})
		var le *llm.Error
		if errors.As(res.err, &le) {
			e.WithRetryable(le.Retryable)
		}
		return e
	}
}
