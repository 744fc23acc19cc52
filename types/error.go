package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across chguard.
type ErrorCode string

// 连接层错误码
const (
	// ErrConfiguration 连接参数缺失或非法，在任何网络尝试之前检测
	ErrConfiguration ErrorCode = "CONFIG_ERROR"
	// ErrConnection 建连过程中的网络 / 协议失败
	ErrConnection ErrorCode = "CONNECTION_ERROR"
	// ErrTimeout 单次尝试或操作超时，语义上等同连接失败
	ErrTimeout ErrorCode = "TIMEOUT"
	// ErrCircuitOpen 熔断器拒绝，不会被自动重试
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrQuery 调用方操作（查询）执行失败
	ErrQuery ErrorCode = "QUERY_ERROR"
	// ErrServiceUnavailable 管理器未初始化或已关闭
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrInternalError 内部错误（例如操作 panic）
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// HTTP 健康面错误码
const (
	// ErrRateLimited 请求超过限速
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	// ErrNotFound 路由不存在
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrMethodNotAllowed 方法不允许
	ErrMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
