package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/chguard/connection"
	"github.com/BaSui01/chguard/internal/cache"
	"github.com/BaSui01/chguard/internal/metrics"
	"github.com/BaSui01/chguard/internal/telemetry"
	"github.com/BaSui01/chguard/types"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// ConnectionService 健康面依赖的连接管理器能力
type ConnectionService interface {
	State() connection.State
	GetConnectionMetrics() connection.MetricsSnapshot
	ValidateServiceDependencies(ctx context.Context) connection.DependencyReport
	EnsureAnalyticsConsistency(ctx context.Context) connection.ConsistencyReport
	Reconnect(ctx context.Context) bool
}

// ReportCache 报告缓存
type ReportCache interface {
	GetOrLoadJSON(ctx context.Context, key string, ttl time.Duration, dest any, load cache.LoadFunc) (bool, error)
}

// HealthCheck 就绪检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// ReconnectResult 强制重连结果
type ReconnectResult struct {
	Reconnected     bool             `json:"reconnected"`
	ConnectionState connection.State `json:"connection_state"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	conn      ConnectionService
	cache     ReportCache
	cacheTTL  time.Duration
	collector *metrics.Collector
	limiter   *rate.Limiter
	logger    *zap.Logger

	checks []HealthCheck
	mu     sync.RWMutex
}

// HandlerOption 配置 HealthHandler
type HandlerOption func(*HealthHandler)

// WithReportCache 启用报告缓存，ttl <= 0 时不缓存
func WithReportCache(c ReportCache, ttl time.Duration) HandlerOption {
	return func(h *HealthHandler) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) HandlerOption {
	return func(h *HealthHandler) {
		h.collector = c
	}
}

// WithReconnectLimit 设置强制重连限速，rps <= 0 时不限速
func WithReconnectLimit(rps float64, burst int) HandlerOption {
	return func(h *HealthHandler) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(conn ConnectionService, logger *zap.Logger, opts ...HandlerOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		conn:   conn,
		logger: logger.With(zap.String("component", "health_api")),
		checks: make([]HealthCheck, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 探针
// =============================================================================

// HandleHealthz 处理 /healthz 请求（存活探针，只说明进程在运行）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /readyz 请求
//
// ClickHouse 连接状态可用且所有注册检查通过时返回 200，否则 503。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks)+1)
	checks = append(checks, connectionStateCheck{conn: h.conn})
	checks = append(checks, h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   telemetry.Version(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]string{"version": telemetry.Version()})
}

// =============================================================================
// 📊 连接报告
// =============================================================================

// HandleMetrics 处理 GET /health/metrics，返回连接计数器与状态快照
func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.conn.GetConnectionMetrics())
}

// HandleDependencies 处理 GET /health/dependencies
//
// overall_health 为 false 时返回 503，报告本身仍放在 data 中。
func (h *HealthHandler) HandleDependencies(w http.ResponseWriter, r *http.Request) {
	report, hit := cachedReport(r.Context(), h, "dependencies", h.conn.ValidateServiceDependencies)
	writeReport(w, report.OverallHealth, report, hit)
}

// HandleAnalytics 处理 GET /health/analytics
func (h *HealthHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, hit := cachedReport(r.Context(), h, "analytics", h.conn.EnsureAnalyticsConsistency)
	writeReport(w, report.OverallConsistent, report, hit)
}

// HandleReconnect 处理 POST /health/reconnect
func (h *HealthHandler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		WriteError(w, types.NewError(types.ErrRateLimited, "reconnect requested too frequently").
			WithRetryable(true), h.logger)
		return
	}

	ok := h.conn.Reconnect(r.Context())
	result := ReconnectResult{
		Reconnected:     ok,
		ConnectionState: h.conn.State(),
	}
	if !ok {
		h.logger.Warn("forced reconnect failed", zap.Stringer("state", result.ConnectionState))
		WriteErrorWithData(w, result,
			types.NewError(types.ErrConnection, "reconnect failed").WithRetryable(true), nil)
		return
	}

	h.logger.Info("forced reconnect succeeded")
	WriteSuccess(w, result)
}

// cachedReport 通过报告缓存获取报告，缓存不可用时直接生成
func cachedReport[T any](ctx context.Context, h *HealthHandler, name string, load func(context.Context) T) (T, bool) {
	if h.cache == nil || h.cacheTTL <= 0 {
		return load(ctx), false
	}

	var report T
	hit, err := h.cache.GetOrLoadJSON(ctx, "report:"+name, h.cacheTTL, &report, func(ctx context.Context) (any, error) {
		return load(ctx), nil
	})
	if err != nil {
		h.logger.Warn("report cache failed, generating directly", zap.String("report", name), zap.Error(err))
		return load(ctx), false
	}

	if hit {
		h.collector.RecordCacheHit(name)
	} else {
		h.collector.RecordCacheMiss(name)
	}
	return report, hit
}

func writeReport(w http.ResponseWriter, ok bool, report any, hit bool) {
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeEnvelope(w, status, ok, report, nil)
}

// =============================================================================
// 🔧 内置就绪检查
// =============================================================================

type connectionStateCheck struct {
	conn ConnectionService
}

func (c connectionStateCheck) Name() string { return "clickhouse" }

func (c connectionStateCheck) Check(ctx context.Context) error {
	if s := c.conn.State(); !s.Usable() {
		return fmt.Errorf("connection state is %s", s)
	}
	return nil
}

// PingHealthCheck 以 Ping 函数实现的就绪检查（例如 Redis）
type PingHealthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingHealthCheck 创建 Ping 就绪检查
func NewPingHealthCheck(name string, ping func(ctx context.Context) error) *PingHealthCheck {
	return &PingHealthCheck{
		name: name,
		ping: ping,
	}
}

func (c *PingHealthCheck) Name() string {
	return c.name
}

func (c *PingHealthCheck) Check(ctx context.Context) error {
	return c.ping(ctx)
}
