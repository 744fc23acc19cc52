package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickFunc 是每轮健康检查执行的函数。返回的错误只记录日志，不会终止循环。
type TickFunc func(ctx context.Context) error

// MonitorOption 监控器选项
type MonitorOption func(*Monitor)

// WithIterationHook 每轮结束后以本轮结果（panic 转为错误）调用 fn
func WithIterationHook(fn func(err error)) MonitorOption {
	return func(m *Monitor) { m.onIteration = fn }
}

// Monitor 后台周期健康检查
//
// 每轮先等待 interval，再同步执行一次 tick；下一轮在本轮结束后才开始计时，
// 因此各轮之间不会重叠。
type Monitor struct {
	interval time.Duration
	tick     TickFunc
	logger   *zap.Logger

	onIteration func(err error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	iterations atomic.Int64
	failures   atomic.Int64
}

// NewMonitor 创建健康监控器
func NewMonitor(interval time.Duration, tick TickFunc, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		interval: interval,
		tick:     tick,
		logger:   logger.With(zap.String("component", "health_monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start 启动后台循环。已在运行时记录警告并返回 false。
//
// ctx 取消同样会停止循环；Stop 仍需调用以等待循环退出。
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("health monitor already running")
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx, m.done)

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	return true
}

// Stop 取消循环并等待正在执行的一轮结束。未运行时直接返回。
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done

	m.logger.Info("health monitor stopped",
		zap.Int64("iterations", m.iterations.Load()),
	)
}

// Running 返回监控是否在运行
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Iterations 返回已完成的检查轮数
func (m *Monitor) Iterations() int64 {
	return m.iterations.Load()
}

// Failures 返回失败（含 panic）的检查轮数
func (m *Monitor) Failures() int64 {
	return m.failures.Load()
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// 等待期间被取消则不再执行
		if ctx.Err() != nil {
			return
		}

		err := m.runTick(ctx)
		if err != nil {
			m.failures.Add(1)
			m.logger.Warn("health check iteration failed", zap.Error(err))
		}
		m.iterations.Add(1)
		if m.onIteration != nil {
			m.onIteration(err)
		}

		timer.Reset(m.interval)
	}
}

func (m *Monitor) runTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	if m.tick == nil {
		return nil
	}
	return m.tick(ctx)
}
