package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/schemaflow/api"
	"github.com/BaSui01/schemaflow/internal/ctxkeys"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 结构化补全 Handler
// =============================================================================

// StructuredCompleter 结构化补全的最小接口，由 structured.Orchestrator 实现
type StructuredCompleter interface {
	Complete(ctx context.Context, req *structured.Request) (*structured.Result, error)
}

// StructuredHandler 结构化补全处理器
type StructuredHandler struct {
	completer StructuredCompleter
	logger    *zap.Logger
}

// NewStructuredHandler 创建结构化补全处理器
func NewStructuredHandler(completer StructuredCompleter, logger *zap.Logger) *StructuredHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructuredHandler{completer: completer, logger: logger.With(zap.String("handler", "structured"))}
}

// Register 在 mux 上注册结构化补全路由
func (h *StructuredHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/structured/completions", h.HandleCompletion)
}

// HandleCompletion POST /api/v1/structured/completions
// @Summary 结构化补全
// @Description 调用模型并按 JSON Schema 校验输出，失败时带反馈重试。
// @Description strict=false 时重试耗尽返回带 validation_errors 的部分结果。
// @Tags structured
// @Accept json
// @Produce json
// @Param request body api.StructuredCompletionRequest true "结构化补全请求"
// @Success 200 {object} Response{data=api.StructuredCompletionResponse}
// @Failure 400 {object} Response "请求无效"
// @Failure 422 {object} Response "严格模式下解析或校验失败"
// @Failure 502 {object} Response "上游服务失败"
// @Router /api/v1/structured/completions [post]
func (h *StructuredHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StructuredCompletionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	// 按 ID 引用 Schema 时需要调用方身份，内联 Schema 允许匿名
	owner, _ := ctxkeys.OwnerID(r.Context())
	if owner == "" {
		owner = r.Header.Get(OwnerHeader)
	}
	if req.SchemaID != "" && owner == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, OwnerHeader+" header is required when schema_id is set", h.logger)
		return
	}

	result, err := h.completer.Complete(r.Context(), req.ToRequest(owner))
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	h.logger.Debug("structured completion finished",
		zap.String("model", result.Model),
		zap.Int("retries_used", result.RetriesUsed),
		zap.Bool("valid", result.Valid()))

	WriteSuccess(w, api.NewStructuredCompletionResponse(result))
}
