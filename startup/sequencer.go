package startup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chguard/connection"
	"github.com/BaSui01/chguard/internal/telemetry"
)

// Guard 启动检查依赖的连接管理器能力
type Guard interface {
	Initialize(ctx context.Context) bool
	ValidateServiceDependencies(ctx context.Context) connection.DependencyReport
	EnsureAnalyticsConsistency(ctx context.Context) connection.ConsistencyReport
}

// Stage 启动检查停止的阶段
type Stage string

const (
	StageInitialize   Stage = "initialize"
	StageDependencies Stage = "dependencies"
)

// Result 一次启动检查的完整结果
type Result struct {
	Ready        bool                          `json:"ready"`
	Initialized  bool                          `json:"initialized"`
	FailedStage  Stage                         `json:"failed_stage,omitempty"`
	Dependencies *connection.DependencyReport  `json:"dependencies,omitempty"`
	Consistency  *connection.ConsistencyReport `json:"consistency,omitempty"`
	Warnings     []string                      `json:"warnings"`
	Duration     time.Duration                 `json:"duration_ns"`
}

// Sequencer 按固定顺序执行启动依赖检查
type Sequencer struct {
	guard  Guard
	logger *zap.Logger
	now    func() time.Time
}

// New 创建启动检查器
func New(guard Guard, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		guard:  guard,
		logger: logger.With(zap.String("component", "startup")),
		now:    time.Now,
	}
}

// InitializeWithRetry 执行启动检查，依赖可用时返回 true
//
// 建连失败或依赖验证失败返回 false；分析一致性失败只记录警告。
func (s *Sequencer) InitializeWithRetry(ctx context.Context) bool {
	return s.Run(ctx).Ready
}

// Run 执行启动检查并返回各阶段报告
func (s *Sequencer) Run(ctx context.Context) Result {
	start := s.now()
	ctx, span := telemetry.StartSpan(ctx, "chguard.startup")

	res := s.run(ctx)
	res.Duration = s.now().Sub(start)

	telemetry.EndSpan(span, nil)
	return res
}

func (s *Sequencer) run(ctx context.Context) Result {
	res := Result{Warnings: []string{}}

	s.logger.Info("starting clickhouse dependency checks")

	if !s.guard.Initialize(ctx) {
		res.FailedStage = StageInitialize
		s.logger.Error("clickhouse initialization failed, continuing without analytics storage")
		return res
	}
	res.Initialized = true

	deps := s.guard.ValidateServiceDependencies(ctx)
	res.Dependencies = &deps
	if !deps.OverallHealth {
		res.FailedStage = StageDependencies
		s.logger.Error("clickhouse dependency validation failed",
			zap.Strings("errors", deps.Errors),
		)
		return res
	}

	consistency := s.guard.EnsureAnalyticsConsistency(ctx)
	res.Consistency = &consistency
	if !consistency.OverallConsistent {
		res.Warnings = append(res.Warnings, consistency.Errors...)
		s.logger.Warn("analytics consistency check failed, startup continues",
			zap.Strings("errors", consistency.Errors),
		)
	}

	res.Ready = true
	s.logger.Info("clickhouse dependency checks passed",
		zap.Bool("analytics_consistent", consistency.OverallConsistent),
	)
	return res
}
