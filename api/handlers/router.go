package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/internal/metrics"
	"github.com/BaSui01/chguard/types"
)

// =============================================================================
// 🧭 路由
// =============================================================================

// NewRouter 组装健康面路由
//
//	GET  /healthz              存活探针
//	GET  /readyz               就绪探针
//	GET  /version              版本信息
//	GET  /health/metrics       连接计数器与状态快照
//	GET  /health/dependencies  依赖检查报告
//	GET  /health/analytics     分析表一致性报告
//	POST /health/reconnect     强制重连（限速）
func NewRouter(h *HealthHandler, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Metrics(collector))
	r.Use(Recovery(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReady)
	r.Get("/version", h.HandleVersion)

	r.Route("/health", func(r chi.Router) {
		r.Get("/metrics", h.HandleMetrics)
		r.Get("/dependencies", h.HandleDependencies)
		r.Get("/analytics", h.HandleAnalytics)
		r.Post("/reconnect", h.HandleReconnect)
	})

	return r
}

// =============================================================================
// 🔌 中间件
// =============================================================================

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", chimw.GetReqID(r.Context())),
					)
					WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件，并回写 X-Request-ID
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := chimw.GetReqID(r.Context())
			if reqID != "" {
				w.Header().Set("X-Request-ID", reqID)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", statusOf(ww)),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", reqID),
			)
		})
	}
}

// Metrics 记录 HTTP 请求指标，路径标签使用路由模板
func Metrics(collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			collector.RecordHTTPRequest(r.Method, routePattern(r), statusOf(ww), time.Since(start))
		})
	}
}

// routePattern 返回匹配的路由模板，未匹配时归为 unmatched 以控制标签基数
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusOf 返回已写出的状态码，handler 未写任何内容时按 200 计
func statusOf(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
