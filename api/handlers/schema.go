package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/schemaflow/api"
	"github.com/BaSui01/schemaflow/schemastore"
	"github.com/BaSui01/schemaflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📚 Schema 资源 Handler
// =============================================================================

// SchemaService Schema 资源存储的最小接口，由 schemastore.Manager 实现
type SchemaService interface {
	Create(ctx context.Context, owner string, in schemastore.CreateInput) (*schemastore.SchemaResource, error)
	Get(ctx context.Context, owner, id string) (*schemastore.SchemaResource, error)
	List(ctx context.Context, owner string, opts schemastore.ListOptions) ([]schemastore.SchemaResource, error)
	Update(ctx context.Context, owner, id string, in schemastore.UpdateInput, changeSummary string) (*schemastore.SchemaResource, error)
	Restore(ctx context.Context, owner, id string, target int, changeSummary string) (*schemastore.SchemaResource, error)
	Fork(ctx context.Context, owner, id, newName string) (*schemastore.SchemaResource, error)
	ListVersions(ctx context.Context, owner, id string) ([]schemastore.VersionRecord, error)
	Compare(ctx context.Context, owner, id string, a, b int) (*schemastore.Snapshot, *schemastore.Snapshot, error)
	Delete(ctx context.Context, owner, id string) error
}

// SchemaHandler Schema 资源处理器
type SchemaHandler struct {
	store  SchemaService
	logger *zap.Logger
}

// NewSchemaHandler 创建 Schema 资源处理器
func NewSchemaHandler(store SchemaService, logger *zap.Logger) *SchemaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaHandler{store: store, logger: logger.With(zap.String("handler", "schema"))}
}

// Register 在 mux 上注册全部 Schema 路由
func (h *SchemaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/schemas", h.HandleList)
	mux.HandleFunc("POST /api/v1/schemas", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/schemas/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /api/v1/schemas/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/schemas/{id}", h.HandleDelete)
	mux.HandleFunc("GET /api/v1/schemas/{id}/versions", h.HandleListVersions)
	mux.HandleFunc("POST /api/v1/schemas/{id}/restore", h.HandleRestore)
	mux.HandleFunc("GET /api/v1/schemas/{id}/compare", h.HandleCompare)
	mux.HandleFunc("POST /api/v1/schemas/{id}/fork", h.HandleFork)
}

// HandleCreate POST /api/v1/schemas
// @Summary 创建 Schema 资源
// @Tags schemas
// @Accept json
// @Produce json
// @Param request body api.CreateSchemaRequest true "Schema 资源"
// @Success 201 {object} Response{data=api.SchemaResponse}
// @Failure 422 {object} Response "Schema 无效"
// @Router /api/v1/schemas [post]
func (h *SchemaHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.CreateSchemaRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.store.Create(r.Context(), owner, req.ToInput())
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteCreated(w, api.NewSchemaResponse(res))
}

// HandleList GET /api/v1/schemas
// @Summary 列出 Schema 资源
// @Tags schemas
// @Produce json
// @Param include_public query bool false "包含他人公开的资源"
// @Param limit query int false "分页大小"
// @Param offset query int false "偏移量"
// @Success 200 {object} Response{data=api.SchemaListResponse}
// @Router /api/v1/schemas [get]
func (h *SchemaHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := schemastore.ListOptions{}
	var err error
	if v := q.Get("include_public"); v != "" {
		if opts.IncludePublic, err = strconv.ParseBool(v); err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "include_public must be a boolean", h.logger)
			return
		}
	}
	if opts.Limit, ok = queryInt(w, q.Get("limit"), "limit", h.logger); !ok {
		return
	}
	if opts.Offset, ok = queryInt(w, q.Get("offset"), "offset", h.logger); !ok {
		return
	}

	items, err := h.store.List(r.Context(), owner, opts)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	resp := api.SchemaListResponse{
		Items:  make([]api.SchemaResponse, 0, len(items)),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range items {
		resp.Items = append(resp.Items, api.NewSchemaResponse(&items[i]))
	}
	WriteSuccess(w, resp)
}

// HandleGet GET /api/v1/schemas/{id}
// @Summary 获取 Schema 资源
// @Tags schemas
// @Produce json
// @Param id path string true "资源 ID"
// @Success 200 {object} Response{data=api.SchemaResponse}
// @Failure 404 {object} Response "资源不存在"
// @Router /api/v1/schemas/{id} [get]
func (h *SchemaHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	res, err := h.store.Get(r.Context(), owner, id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewSchemaResponse(res))
}

// HandleUpdate PATCH /api/v1/schemas/{id}
// @Summary 部分更新 Schema 资源
// @Description 未出现的字段保持不变；内容无变化时不产生新版本
// @Tags schemas
// @Accept json
// @Produce json
// @Param id path string true "资源 ID"
// @Param request body api.UpdateSchemaRequest true "待更新字段"
// @Success 200 {object} Response{data=api.SchemaResponse}
// @Failure 409 {object} Response "并发更新冲突"
// @Router /api/v1/schemas/{id} [patch]
func (h *SchemaHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.UpdateSchemaRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.store.Update(r.Context(), owner, id, req.ToInput(), req.ChangeSummary)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewSchemaResponse(res))
}

// HandleDelete DELETE /api/v1/schemas/{id}
// @Summary 删除 Schema 资源
// @Tags schemas
// @Param id path string true "资源 ID"
// @Success 204
// @Router /api/v1/schemas/{id} [delete]
func (h *SchemaHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), owner, id); err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListVersions GET /api/v1/schemas/{id}/versions
// @Summary 列出历史版本
// @Tags schemas
// @Produce json
// @Param id path string true "资源 ID"
// @Success 200 {object} Response{data=[]api.VersionResponse}
// @Router /api/v1/schemas/{id}/versions [get]
func (h *SchemaHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	records, err := h.store.ListVersions(r.Context(), owner, id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	resp := make([]api.VersionResponse, 0, len(records))
	for i := range records {
		resp = append(resp, api.NewVersionResponse(&records[i]))
	}
	WriteSuccess(w, resp)
}

// HandleRestore POST /api/v1/schemas/{id}/restore
// @Summary 恢复到历史版本
// @Description 恢复会生成一个新版本，不会回退版本号
// @Tags schemas
// @Accept json
// @Produce json
// @Param id path string true "资源 ID"
// @Param request body api.RestoreSchemaRequest true "目标版本"
// @Success 200 {object} Response{data=api.SchemaResponse}
// @Failure 404 {object} Response "版本不存在"
// @Router /api/v1/schemas/{id}/restore [post]
func (h *SchemaHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RestoreSchemaRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Version <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "version must be a positive integer", h.logger)
		return
	}

	res, err := h.store.Restore(r.Context(), owner, id, req.Version, req.ChangeSummary)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewSchemaResponse(res))
}

// HandleCompare GET /api/v1/schemas/{id}/compare?a=&b=
// @Summary 对比两个版本
// @Tags schemas
// @Produce json
// @Param id path string true "资源 ID"
// @Param a query int true "版本 A"
// @Param b query int true "版本 B"
// @Success 200 {object} Response{data=api.CompareResponse}
// @Router /api/v1/schemas/{id}/compare [get]
func (h *SchemaHandler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	a, errA := strconv.Atoi(q.Get("a"))
	b, errB := strconv.Atoi(q.Get("b"))
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query parameters a and b must be positive integers", h.logger)
		return
	}

	left, right, err := h.store.Compare(r.Context(), owner, id, a, b)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.CompareResponse{
		ResourceID: id,
		A:          api.NewSnapshotResponse(left),
		B:          api.NewSnapshotResponse(right),
	})
}

// HandleFork POST /api/v1/schemas/{id}/fork
// @Summary 派生为新的私有资源
// @Tags schemas
// @Accept json
// @Produce json
// @Param id path string true "源资源 ID"
// @Param request body api.ForkSchemaRequest false "新名称"
// @Success 201 {object} Response{data=api.SchemaResponse}
// @Router /api/v1/schemas/{id}/fork [post]
func (h *SchemaHandler) HandleFork(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	// 请求体可选
	var req api.ForkSchemaRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	res, err := h.store.Fork(r.Context(), owner, id, req.Name)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteCreated(w, api.NewSchemaResponse(res))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *SchemaHandler) ownerAndID(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	owner, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return "", "", false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "schema id is required", h.logger)
		return "", "", false
	}
	return owner, id, true
}

// queryInt 解析非负整数查询参数，空值返回 0
func queryInt(w http.ResponseWriter, raw, name string, logger *zap.Logger) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, name+" must be a non-negative integer", logger)
		return 0, false
	}
	return n, true
}
