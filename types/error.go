package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 对外暴露的稳定错误码，出现在响应信封的 error.code 中
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"

	// Schema 存储
	ErrSchemaInvalid    ErrorCode = "SCHEMA_INVALID"
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrVersionNotFound  ErrorCode = "VERSION_NOT_FOUND"
	ErrVersionConflict  ErrorCode = "VERSION_CONFLICT"

	// 结构化补全
	ErrParseError       ErrorCode = "PARSE_ERROR"
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrProviderError    ErrorCode = "PROVIDER_ERROR"
)

var defaultStatus = map[ErrorCode]int{
	ErrInvalidRequest:   http.StatusBadRequest,
	ErrResourceNotFound: http.StatusNotFound,
	ErrVersionNotFound:  http.StatusNotFound,
	ErrVersionConflict:  http.StatusConflict,
	ErrSchemaInvalid:    http.StatusUnprocessableEntity,
	ErrParseError:       http.StatusUnprocessableEntity,
	ErrValidationFailed: http.StatusUnprocessableEntity,
	ErrProviderError:    http.StatusBadGateway,
}

// DefaultHTTPStatus 未登记的错误码一律 500
func DefaultHTTPStatus(code ErrorCode) int {
	if status, ok := defaultStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error 带错误码的业务错误。Cause 只进日志，不进响应
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Details    any       `json:"details,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError HTTPStatus 预先填入错误码的默认状态
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: DefaultHTTPStatus(code)}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDetails 附加机器可读的细节，例如校验违例列表
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// AsError 沿错误链查找 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}

// GetErrorCode 非 *Error 返回空串
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
