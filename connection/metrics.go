package connection

import (
	"sync/atomic"
	"time"

	"github.com/BaSui01/chguard/circuitbreaker"
)

// Metrics 管理器计数器，进程生命周期内单调不减
type Metrics struct {
	connectionAttempts    atomic.Int64
	successfulConnections atomic.Int64
	failedConnections     atomic.Int64
	retryAttempts         atomic.Int64
	circuitBreakerOpens   atomic.Int64
	poolHits              atomic.Int64
	poolMisses            atomic.Int64
}

// Counters 计数器快照
type Counters struct {
	ConnectionAttempts    int64 `json:"connection_attempts"`
	SuccessfulConnections int64 `json:"successful_connections"`
	FailedConnections     int64 `json:"failed_connections"`
	RetryAttempts         int64 `json:"retry_attempts"`
	CircuitBreakerOpens   int64 `json:"circuit_breaker_opens"`
	PoolHits              int64 `json:"pool_hits"`
	PoolMisses            int64 `json:"pool_misses"`
}

func (m *Metrics) snapshot() Counters {
	return Counters{
		ConnectionAttempts:    m.connectionAttempts.Load(),
		SuccessfulConnections: m.successfulConnections.Load(),
		FailedConnections:     m.failedConnections.Load(),
		RetryAttempts:         m.retryAttempts.Load(),
		CircuitBreakerOpens:   m.circuitBreakerOpens.Load(),
		PoolHits:              m.poolHits.Load(),
		PoolMisses:            m.poolMisses.Load(),
	}
}

// MetricsSnapshot 计数器与派生状态的合并视图，只读
type MetricsSnapshot struct {
	Counters

	ConnectionState          State                   `json:"connection_state"`
	CircuitBreakerState      circuitbreaker.State    `json:"circuit_breaker_state"`
	CircuitBreaker           circuitbreaker.Snapshot `json:"circuit_breaker"`
	ConsecutiveFailures      int                     `json:"consecutive_failures"`
	LastSuccessfulConnection *time.Time              `json:"last_successful_connection,omitempty"`
	LastError                string                  `json:"last_error,omitempty"`
	HealthMonitorRunning     bool                    `json:"health_monitor_running"`

	PoolSize      int     `json:"pool_size"`
	PoolInUse     int     `json:"pool_in_use"`
	PoolHitRate   float64 `json:"pool_hit_rate"`
	PoolDiscarded int64   `json:"pool_discarded"`
	PoolPruned    int64   `json:"pool_pruned"`

	Config ConfigEcho `json:"config"`
}

// ConfigEcho 快照中回显的配置项
type ConfigEcho struct {
	Host                string  `json:"host"`
	Port                int     `json:"port"`
	Database            string  `json:"database"`
	PoolSize            int     `json:"pool_size"`
	MaxConnections      int     `json:"max_connections"`
	MaxRetries          int     `json:"max_retries"`
	HealthCheckInterval float64 `json:"health_check_interval_seconds"`
	RecycleTime         float64 `json:"pool_recycle_time_seconds"`
	FailureThreshold    int     `json:"failure_threshold"`
	RecoveryTimeout     float64 `json:"recovery_timeout_seconds"`
}
