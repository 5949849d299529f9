package handlers

import (
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/schemaflow/internal/ctxkeys"
	"github.com/BaSui01/schemaflow/types"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes 单个 handler 的请求体上限，入口中间件另有全局限制
	DefaultMaxBodyBytes int64 = 1 << 20

	// RequestIDHeader 由 RequestID 中间件在进入 handler 前写入响应头
	RequestIDHeader = "X-Request-ID"
	OwnerHeader     = "X-User-ID"
)

// =============================================================================
// 📦 响应信封
// =============================================================================

// Response 所有 JSON 接口共用的信封，Data 与 Error 二选一
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

func envelope(w http.ResponseWriter, data any, info *ErrorInfo) Response {
	return Response{
		Success:   info == nil,
		Data:      data,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: w.Header().Get(RequestIDHeader),
	}
}

// WriteJSON 写出后响应头已提交，编码失败只能丢弃
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func WriteSuccess(w http.ResponseWriter, data any) { WriteSuccessStatus(w, http.StatusOK, data) }

func WriteCreated(w http.ResponseWriter, data any) { WriteSuccessStatus(w, http.StatusCreated, data) }

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, envelope(w, data, nil))
}

// WriteError HTTPStatus 为 0 时按错误码取默认状态；5xx 记 Error，其余记 Warn
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = types.DefaultHTTPStatus(err.Code)
	}
	if logger != nil {
		logAPIError(logger, w, err, status)
	}
	WriteJSON(w, status, envelope(w, nil, &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Details:    err.Details,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}))
}

func logAPIError(logger *zap.Logger, w http.ResponseWriter, err *types.Error, status int) {
	fields := []zap.Field{
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
		zap.String("request_id", w.Header().Get(RequestIDHeader)),
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	level := zap.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zap.ErrorLevel
	}
	logger.Log(level, "API error", fields...)
}

// WriteErrorFrom 非 *types.Error 的错误对外只显示 internal server error
func WriteErrorFrom(w http.ResponseWriter, err error, logger *zap.Logger) {
	apiErr, ok := types.AsError(err)
	if !ok {
		apiErr = types.NewError(types.ErrInternalError, "internal server error").WithCause(err)
	}
	WriteError(w, apiErr, logger)
}

func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// =============================================================================
// 🛡️ 请求校验
// =============================================================================

// DecodeJSONBody 拒绝空请求体与未知字段，超过 DefaultMaxBodyBytes 返回 413。
// 失败时已写出错误响应，调用方直接返回即可。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		apiErr := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, apiErr, logger)
		return apiErr
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		return nil
	}

	apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		apiErr = types.NewError(types.ErrInvalidRequest, "request body too large").
			WithCause(err).
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	WriteError(w, apiErr, logger)
	return apiErr
}

// ValidateContentType 只接受 application/json，参数（charset 等）忽略
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && strings.EqualFold(mediaType, "application/json") {
		return true
	}
	WriteErrorMessage(w, http.StatusUnsupportedMediaType, types.ErrInvalidRequest, "Content-Type must be application/json", logger)
	return false
}

// RequireOwner 优先取 Owner 中间件放入 context 的身份，其次读请求头
func RequireOwner(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	if owner, ok := ctxkeys.OwnerID(r.Context()); ok {
		return owner, true
	}
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		return owner, true
	}
	WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, OwnerHeader+" header is required", logger)
	return "", false
}

// =============================================================================
// 📊 ResponseWriter
// =============================================================================

// ResponseWriter 记录首次写出的状态码与响应体字节数，供日志、指标与 span 使用
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Unwrap 让 http.ResponseController 找到底层连接
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
