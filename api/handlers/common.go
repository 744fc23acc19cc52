package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chguard/types"
)

// =============================================================================
// 📦 响应信封
// =============================================================================

// Response 健康面统一响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo 信封中的错误描述
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// 错误码对应的 HTTP 状态，未列出的错误码按 500 处理
var statusByCode = map[types.ErrorCode]int{
	types.ErrRateLimited:        http.StatusTooManyRequests,
	types.ErrNotFound:           http.StatusNotFound,
	types.ErrMethodNotAllowed:   http.StatusMethodNotAllowed,
	types.ErrTimeout:            http.StatusGatewayTimeout,
	types.ErrConnection:         http.StatusServiceUnavailable,
	types.ErrCircuitOpen:        http.StatusServiceUnavailable,
	types.ErrServiceUnavailable: http.StatusServiceUnavailable,
	types.ErrQuery:              http.StatusBadGateway,
	types.ErrConfiguration:      http.StatusInternalServerError,
	types.ErrInternalError:      http.StatusInternalServerError,
}

// HTTPStatusFor 返回错误对应的 HTTP 状态。显式设置的 HTTPStatus 优先。
func HTTPStatusFor(err *types.Error) int {
	if err.HTTPStatus != 0 {
		return err.HTTPStatus
	}
	if status, ok := statusByCode[err.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🎯 写响应
// =============================================================================

// WriteJSON 写入任意 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 响应头已写出，编码失败只能丢弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功信封
func WriteSuccess(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, true, data, nil)
}

// WriteError 写入错误信封并记录日志
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	WriteErrorWithData(w, nil, err, logger)
}

// WriteErrorWithData 写入同时带 data 的错误信封，用于失败时仍需返回当前状态的接口
func WriteErrorWithData(w http.ResponseWriter, data any, err *types.Error, logger *zap.Logger) {
	status := HTTPStatusFor(err)
	if logger != nil {
		logger.Warn("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}
	writeEnvelope(w, status, false, data, newErrorInfo(err))
}

// WriteErrorMessage 以指定状态写入只有错误码与消息的错误信封
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func writeEnvelope(w http.ResponseWriter, status int, ok bool, data any, info *ErrorInfo) {
	WriteJSON(w, status, Response{
		Success:   ok,
		Data:      data,
		Error:     info,
		Timestamp: time.Now(),
	})
}

func newErrorInfo(err *types.Error) *ErrorInfo {
	info := &ErrorInfo{
		Code:      string(err.Code),
		Message:   err.Message,
		Retryable: err.Retryable,
	}
	if err.Cause != nil {
		info.Details = err.Cause.Error()
	}
	return info
}
