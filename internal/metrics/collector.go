// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// 连接事件标签值
const (
	EventConnectionAttempt   = "connection_attempt"
	EventSuccessfulConnect   = "successful_connection"
	EventFailedConnect       = "failed_connection"
	EventRetryAttempt        = "retry_attempt"
	EventCircuitBreakerOpen  = "circuit_breaker_open"
	EventPoolHit             = "pool_hit"
	EventPoolMiss            = "pool_miss"
	EventConfigurationFailed = "configuration_error"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有方法对 nil 接收者安全，未启用指标时管理器可直接传 nil。
type Collector struct {
	// 连接指标
	connectionEvents   *prometheus.CounterVec
	connectionState    *prometheus.GaugeVec
	circuitState       *prometheus.GaugeVec
	attemptDuration    *prometheus.HistogramVec
	probeDuration      *prometheus.HistogramVec
	operationDuration  *prometheus.HistogramVec
	poolIdle           prometheus.Gauge
	consecutiveFailure prometheus.Gauge
	healthChecks       *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 审计指标
	auditRuns *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.connectionEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clickhouse_connection_events_total",
			Help:      "Connection manager events by type",
		},
		[]string{"event"},
	)

	c.connectionState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clickhouse_connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clickhouse_circuit_breaker_state",
			Help:      "Current circuit breaker state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	c.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clickhouse_connect_attempt_duration_seconds",
			Help:      "Duration of single connection attempts",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"result"},
	)

	c.probeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clickhouse_health_probe_duration_seconds",
			Help:      "Duration of health probes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"result"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clickhouse_operation_duration_seconds",
			Help:      "Duration of guarded operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	c.poolIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clickhouse_pool_idle_connections",
			Help:      "Idle connections held by the pool",
		},
	)

	c.consecutiveFailure = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clickhouse_consecutive_failures",
			Help:      "Consecutive failed connection attempts",
		},
	)

	c.healthChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clickhouse_health_checks_total",
			Help:      "Background health check iterations by result",
		},
		[]string{"result"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_cache_hits_total",
			Help:      "Report cache hits",
		},
		[]string{"report"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_cache_misses_total",
			Help:      "Report cache misses",
		},
		[]string{"report"},
	)

	c.auditRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_audit_runs_total",
			Help:      "Scheduled analytics audits by outcome",
		},
		[]string{"result"},
	)

	return c
}

// =============================================================================
// 🔌 连接指标记录
// =============================================================================

// RecordConnectionEvent 记录一次连接事件
func (c *Collector) RecordConnectionEvent(event string) {
	if c == nil {
		return
	}
	c.connectionEvents.WithLabelValues(event).Inc()
}

// SetConnectionState 设置当前连接状态，all 为全部可能状态
func (c *Collector) SetConnectionState(current string, all []string) {
	if c == nil {
		return
	}
	setOneHot(c.connectionState, current, all)
}

// SetCircuitState 设置当前熔断器状态
func (c *Collector) SetCircuitState(current string, all []string) {
	if c == nil {
		return
	}
	setOneHot(c.circuitState, current, all)
}

// ObserveConnectAttempt 记录单次建连耗时
func (c *Collector) ObserveConnectAttempt(success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.attemptDuration.WithLabelValues(result(success)).Observe(d.Seconds())
}

// ObserveProbe 记录健康探测耗时
func (c *Collector) ObserveProbe(success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.probeDuration.WithLabelValues(result(success)).Observe(d.Seconds())
}

// ObserveOperation 记录受保护操作耗时，outcome 取 success / error / timeout / rejected
func (c *Collector) ObserveOperation(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.operationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPoolIdle 设置空闲连接数
func (c *Collector) SetPoolIdle(n int) {
	if c == nil {
		return
	}
	c.poolIdle.Set(float64(n))
}

// SetConsecutiveFailures 设置连续失败次数
func (c *Collector) SetConsecutiveFailures(n int) {
	if c == nil {
		return
	}
	c.consecutiveFailure.Set(float64(n))
}

// RecordHealthCheck 记录一轮后台健康检查
func (c *Collector) RecordHealthCheck(ok bool) {
	if c == nil {
		return
	}
	c.healthChecks.WithLabelValues(result(ok)).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(report string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(report).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(report string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(report).Inc()
}

// RecordAuditRun 记录一次定时审计
func (c *Collector) RecordAuditRun(consistent bool) {
	if c == nil {
		return
	}
	outcome := "consistent"
	if !consistent {
		outcome = "inconsistent"
	}
	c.auditRuns.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		g.WithLabelValues(s).Set(v)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
