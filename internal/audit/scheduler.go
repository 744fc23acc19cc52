package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/connection"
	"github.com/BaSui01/chguard/internal/metrics"
)

// DefaultRunTimeout 单次审计的超时
const DefaultRunTimeout = 2 * time.Minute

// Checker 执行分析一致性检查
type Checker interface {
	EnsureAnalyticsConsistency(ctx context.Context) connection.ConsistencyReport
}

// Scheduler 按 cron 表达式周期执行分析一致性审计
//
// 上一轮未结束时跳过本轮，任务 panic 被 cron 恢复并记录日志。
type Scheduler struct {
	checker   Checker
	collector *metrics.Collector
	logger    *zap.Logger

	enabled  bool
	schedule string
	timeout  time.Duration

	cron *cron.Cron

	mu         sync.RWMutex
	last       *connection.ConsistencyReport
	started    bool
	registered bool

	runs atomic.Int64
}

// New 创建审计调度器。启用时 schedule 必须是合法的 cron 表达式。
func New(cfg config.AuditConfig, checker Checker, collector *metrics.Collector, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "analytics_audit"))

	if cfg.Enabled {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("invalid audit schedule %q: %w", cfg.Schedule, err)
		}
	}

	cl := cronLogger{sugar: logger.Sugar()}
	return &Scheduler{
		checker:   checker,
		collector: collector,
		logger:    logger,
		enabled:   cfg.Enabled,
		schedule:  cfg.Schedule,
		timeout:   DefaultRunTimeout,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start 注册审计任务并启动调度。未启用时什么也不做。
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("analytics audit disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if !s.registered {
		if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
			return fmt.Errorf("register audit job: %w", err)
		}
		s.registered = true
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("analytics audit scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop 停止调度并等待进行中的审计结束，ctx 到期时返回其错误
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("analytics audit stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running audit: %w", ctx.Err())
	}
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce 立即执行一次审计并记录结果
func (s *Scheduler) RunOnce(ctx context.Context) connection.ConsistencyReport {
	report := s.checker.EnsureAnalyticsConsistency(ctx)
	s.runs.Add(1)
	s.collector.RecordAuditRun(report.OverallConsistent)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	if report.OverallConsistent {
		s.logger.Debug("analytics audit passed", zap.Int("table_count", report.TableCount))
	} else {
		s.logger.Warn("analytics audit found inconsistencies",
			zap.Strings("errors", report.Errors),
		)
	}
	return report
}

// Last 返回最近一次审计结果
func (s *Scheduler) Last() (connection.ConsistencyReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return connection.ConsistencyReport{}, false
	}
	return *s.last, true
}

// Runs 返回已完成的审计次数
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// cronLogger 把 cron.Logger 接到 zap 上
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
