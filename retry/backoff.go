package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chguard/config"
)

// jitterFraction 抖动幅度：±20%
const jitterFraction = 0.2

// Policy 定义重试策略配置（构造后只读）
type Policy struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`                         // 最大重试次数（0 表示不重试）
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay" env:"INITIAL_DELAY"`                   // 初始延迟时间
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay" env:"MAX_DELAY"`                               // 最大延迟时间
	ExponentialBase   float64       `yaml:"exponential_base" json:"exponential_base" env:"EXPONENTIAL_BASE"`          // 延迟倍增因子
	Jitter            bool          `yaml:"jitter" json:"jitter" env:"JITTER"`                                        // 是否添加随机抖动
	TimeoutPerAttempt time.Duration `yaml:"timeout_per_attempt" json:"timeout_per_attempt" env:"TIMEOUT_PER_ATTEMPT"` // 单次尝试超时

	// rand 返回 [0,1) 的随机数，nil 时使用 math/rand/v2
	rand func() float64
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		Jitter:            true,
		TimeoutPerAttempt: 10 * time.Second,
	}
}

// FromConfig 由配置文件中的重试段构造策略并修正非法参数
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxRetries:        cfg.MaxRetries,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		ExponentialBase:   cfg.ExponentialBase,
		Jitter:            cfg.Jitter,
		TimeoutPerAttempt: cfg.TimeoutPerAttempt,
	}.Normalize()
}

// Normalize 修正非法参数并返回新的策略
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ExponentialBase < 1.0 {
		p.ExponentialBase = 2.0
	}
	if p.TimeoutPerAttempt <= 0 {
		p.TimeoutPerAttempt = 10 * time.Second
	}
	return p
}

// WithRand 返回使用指定随机源的策略副本
func (p Policy) WithRand(r func() float64) Policy {
	p.rand = r
	return p
}

// ComputeDelay 计算第 attempt 次重试前的等待时间
//
// attempt <= 0 表示首次尝试，不等待。先按 initial * base^(attempt-1) 计算并封顶，
// 再叠加 ±20% 抖动；抖动之后不再封顶，结果可能略高于 MaxDelay。
func (p Policy) ComputeDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		delay += delay * jitterFraction * (r()*2 - 1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// =============================================================================
// 🔁 Retryer
// =============================================================================

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy  Policy
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error, delay time.Duration)
}

// RetryerOption 重试器选项
type RetryerOption func(*backoffRetryer)

// WithOnRetry 设置重试回调
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryerOption {
	return func(r *backoffRetryer) {
		r.onRetry = fn
	}
}

// WithSleep 替换等待函数（测试用）
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryerOption {
	return func(r *backoffRetryer) {
		r.sleep = fn
	}
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy Policy, logger *zap.Logger, opts ...RetryerOption) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &backoffRetryer{
		policy: policy.Normalize(),
		logger: logger,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		// 第一次执行不延迟
		if attempt > 0 {
			delay := r.policy.ComputeDelay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.onRetry != nil {
				r.onRetry(attempt, lastErr, delay)
			}

			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry cancelled: %w", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.TimeoutPerAttempt)
		lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// ErrPermanent 标记不可重试的错误，用 fmt.Errorf("%w") 包装
var ErrPermanent = errors.New("permanent error")

// Sleep 等待 d，期间监听 context 取消
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
