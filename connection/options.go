package connection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chguard/internal/metrics"
)

// Option 管理器选项
type Option func(*Manager)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.collector = c
	}
}

// WithClock 替换时间源，同时作用于熔断器（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep 替换重试间的等待函数（测试用）
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithJitterSource 替换重试抖动的随机源，返回值应在 [0,1)
func WithJitterSource(r func() float64) Option {
	return func(m *Manager) {
		m.jitter = r
	}
}
