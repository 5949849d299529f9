package api

import (
	"bytes"
	"time"

	"github.com/BaSui01/schemaflow/llm"
	"github.com/BaSui01/schemaflow/schemastore"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/types"
	"github.com/goccy/go-json"
)

// =============================================================================
// 通用类型
// =============================================================================

// Message 对话消息
// @Description 对话消息
type Message struct {
	// 角色：system、user 或 assistant
	Role string `json:"role" example:"user"`
	// 消息内容
	Content string `json:"content" example:"Extract the invoice fields"`
	// 可选的参与者名称
	Name string `json:"name,omitempty"`
}

// ToTypes 转换为内部消息类型
func (m Message) ToTypes() types.Message {
	return types.Message{Role: types.Role(m.Role), Content: m.Content, Name: m.Name}
}

// OptionalJSON distinguishes an absent JSON field from an explicit null.
// Set is true whenever the key was present in the request body; Raw then
// holds the literal value, which may be the bytes "null".
type OptionalJSON struct {
	Set bool
	Raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalJSON) UnmarshalJSON(data []byte) error {
	o.Set = true
	o.Raw = append(o.Raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptionalJSON) MarshalJSON() ([]byte, error) {
	if !o.Set || len(o.Raw) == 0 {
		return []byte("null"), nil
	}
	return o.Raw, nil
}

// Bytes returns nil when the field was absent and the raw value otherwise.
func (o OptionalJSON) Bytes() []byte {
	if !o.Set {
		return nil
	}
	if len(o.Raw) == 0 {
		return []byte("null")
	}
	return o.Raw
}

// =============================================================================
// Schema 资源类型
// =============================================================================

// CreateSchemaRequest 创建 Schema 资源请求
// @Description 创建 Schema 资源请求
type CreateSchemaRequest struct {
	// 资源名称
	Name string `json:"name" example:"invoice" binding:"required"`
	// 描述
	Description string `json:"description,omitempty"`
	// JSON Schema 文档
	Schema json.RawMessage `json:"schema" binding:"required"`
	// 可选的示例输出
	ExampleOutput json.RawMessage `json:"example_output,omitempty"`
	// 可见性：private（默认）或 public
	Visibility string `json:"visibility,omitempty" example:"private"`
}

// ToInput 转换为存储层输入
func (r *CreateSchemaRequest) ToInput() schemastore.CreateInput {
	return schemastore.CreateInput{
		Name:          r.Name,
		Description:   r.Description,
		Schema:        r.Schema,
		ExampleOutput: r.ExampleOutput,
		Visibility:    schemastore.Visibility(r.Visibility),
	}
}

// UpdateSchemaRequest 部分更新请求；未出现的字段保持不变，
// example_output 为 null 表示清除示例。
// @Description 更新 Schema 资源请求
type UpdateSchemaRequest struct {
	Name          *string      `json:"name,omitempty"`
	Description   *string      `json:"description,omitempty"`
	Schema        OptionalJSON `json:"schema"`
	ExampleOutput OptionalJSON `json:"example_output"`
	Visibility    *string      `json:"visibility,omitempty"`
	// 变更说明，记录在被替换的版本上
	ChangeSummary string `json:"change_summary,omitempty"`
}

// ToInput 转换为存储层输入
func (r *UpdateSchemaRequest) ToInput() schemastore.UpdateInput {
	in := schemastore.UpdateInput{
		Name:          r.Name,
		Description:   r.Description,
		Schema:        r.Schema.Bytes(),
		ExampleOutput: r.ExampleOutput.Bytes(),
	}
	if r.Visibility != nil {
		v := schemastore.Visibility(*r.Visibility)
		in.Visibility = &v
	}
	return in
}

// RestoreSchemaRequest 恢复到历史版本请求
// @Description 恢复请求
type RestoreSchemaRequest struct {
	Version       int    `json:"version" example:"1" binding:"required"`
	ChangeSummary string `json:"change_summary,omitempty"`
}

// ForkSchemaRequest 派生请求
// @Description 派生请求
type ForkSchemaRequest struct {
	// 新资源名称，为空时沿用源名称
	Name string `json:"name,omitempty"`
}

// SchemaResponse Schema 资源响应
// @Description Schema 资源
type SchemaResponse struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Schema        json.RawMessage `json:"schema"`
	ExampleOutput json.RawMessage `json:"example_output,omitempty"`
	Visibility    string          `json:"visibility"`
	UsageCount    int64           `json:"usage_count"`
	Version       int             `json:"version"`
	IsLatest      bool            `json:"is_latest"`
	ParentID      *string         `json:"parent_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewSchemaResponse 从存储模型构造响应
func NewSchemaResponse(r *schemastore.SchemaResource) SchemaResponse {
	return SchemaResponse{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		Description:   r.Description,
		Schema:        json.RawMessage(r.Schema),
		ExampleOutput: exampleOrNil(r.ExampleOutput),
		Visibility:    string(r.Visibility),
		UsageCount:    r.UsageCount,
		Version:       r.Version,
		IsLatest:      r.IsLatest,
		ParentID:      r.ParentID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// SchemaListResponse 列表响应
type SchemaListResponse struct {
	Items  []SchemaResponse `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// VersionResponse 历史版本记录
// @Description 历史版本
type VersionResponse struct {
	ResourceID    string          `json:"resource_id"`
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Schema        json.RawMessage `json:"schema"`
	ExampleOutput json.RawMessage `json:"example_output,omitempty"`
	Visibility    string          `json:"visibility"`
	ChangedBy     string          `json:"changed_by"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewVersionResponse 从版本记录构造响应
func NewVersionResponse(v *schemastore.VersionRecord) VersionResponse {
	return VersionResponse{
		ResourceID:    v.ResourceID,
		Version:       v.Version,
		Name:          v.Name,
		Description:   v.Description,
		Schema:        json.RawMessage(v.Schema),
		ExampleOutput: exampleOrNil(v.ExampleOutput),
		Visibility:    string(v.Visibility),
		ChangedBy:     v.ChangedBy,
		ChangeSummary: v.ChangeSummary,
		CreatedAt:     v.CreatedAt,
	}
}

// SnapshotResponse 某一版本的完整快照；Live 为 true 表示来自当前状态
type SnapshotResponse struct {
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Schema        json.RawMessage `json:"schema"`
	ExampleOutput json.RawMessage `json:"example_output,omitempty"`
	Visibility    string          `json:"visibility"`
	Live          bool            `json:"live"`
	ChangedBy     string          `json:"changed_by,omitempty"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewSnapshotResponse 从快照构造响应
func NewSnapshotResponse(s *schemastore.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		Version:       s.Version,
		Name:          s.Name,
		Description:   s.Description,
		Schema:        json.RawMessage(s.Schema),
		ExampleOutput: exampleOrNil(s.ExampleOutput),
		Visibility:    string(s.Visibility),
		Live:          s.Live,
		ChangedBy:     s.ChangedBy,
		ChangeSummary: s.ChangeSummary,
		CreatedAt:     s.CreatedAt,
	}
}

// CompareResponse 两个版本的并排快照
// @Description 版本对比
type CompareResponse struct {
	ResourceID string           `json:"resource_id"`
	A          SnapshotResponse `json:"a"`
	B          SnapshotResponse `json:"b"`
}

// exampleOrNil 存储层用 JSON null 表示"无示例"，响应中省略该字段
func exampleOrNil(b []byte) json.RawMessage {
	t := bytes.TrimSpace(b)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return json.RawMessage(b)
}

// =============================================================================
// 结构化补全类型
// =============================================================================

// StructuredCompletionRequest 结构化补全请求；schema_id 与 schema 二选一
// @Description 结构化补全请求
type StructuredCompletionRequest struct {
	Model       string    `json:"model" example:"gpt-4o-mini" binding:"required"`
	Messages    []Message `json:"messages" binding:"required"`
	Temperature float32   `json:"temperature,omitempty" example:"0.2"`
	TopP        float32   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`

	// 引用已保存的 Schema 资源
	SchemaID string `json:"schema_id,omitempty"`
	// 内联 JSON Schema 与可选示例
	Schema        json.RawMessage `json:"schema,omitempty"`
	ExampleOutput json.RawMessage `json:"example_output,omitempty"`

	// 重试耗尽时返回错误（true）还是带错误的部分结果（false）
	Strict bool `json:"strict"`
	// 重试上限 [0, 10]，缺省使用服务端默认值
	MaxRetries        *int `json:"max_retries,omitempty" example:"2"`
	ReturnRawResponse bool `json:"return_raw_response,omitempty"`
}

// ToRequest 转换为编排器请求
func (r *StructuredCompletionRequest) ToRequest(owner string) *structured.Request {
	msgs := make([]types.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = m.ToTypes()
	}
	return &structured.Request{
		Messages:          msgs,
		Model:             r.Model,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		MaxTokens:         r.MaxTokens,
		SchemaID:          r.SchemaID,
		Schema:            r.Schema,
		Example:           r.ExampleOutput,
		Strict:            r.Strict,
		MaxRetries:        r.MaxRetries,
		ReturnRawResponse: r.ReturnRawResponse,
		Owner:             owner,
	}
}

// StructuredCompletionResponse 结构化补全响应
// @Description 结构化补全响应
type StructuredCompletionResponse struct {
	StructuredOutput any                        `json:"structured_output"`
	Valid            bool                       `json:"valid"`
	ValidationErrors []structured.Violation     `json:"validation_errors,omitempty"`
	RawResponse      string                     `json:"raw_response,omitempty"`
	Usage            llm.ChatUsage              `json:"usage"`
	TotalUsage       llm.ChatUsage              `json:"total_usage"`
	RetriesUsed      int                        `json:"retries_used"`
	Model            string                     `json:"model,omitempty"`
	ResponseID       string                     `json:"response_id,omitempty"`
	SchemaID         string                     `json:"schema_id,omitempty"`
	SchemaVersion    int                        `json:"schema_version,omitempty"`
	Attempts         []structured.AttemptRecord `json:"attempts"`
}

// NewStructuredCompletionResponse 从编排结果构造响应
func NewStructuredCompletionResponse(r *structured.Result) StructuredCompletionResponse {
	return StructuredCompletionResponse{
		StructuredOutput: r.StructuredOutput,
		Valid:            r.Valid(),
		ValidationErrors: r.ValidationErrors,
		RawResponse:      r.RawResponse,
		Usage:            r.Usage,
		TotalUsage:       r.TotalUsage,
		RetriesUsed:      r.RetriesUsed,
		Model:            r.Model,
		ResponseID:       r.ResponseID,
		SchemaID:         r.SchemaID,
		SchemaVersion:    r.SchemaVersion,
		Attempts:         r.Attempts,
	}
}
