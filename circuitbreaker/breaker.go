package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText 让 State 以字符串形式出现在 JSON 报告中
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown circuit breaker state %q", text)
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" env:"FAILURE_THRESHOLD"`

	// RecoveryTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" env:"RECOVERY_TIMEOUT"`

	// HalfOpenMaxCalls 半开状态下允许的最大试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`

	// OnStateChange 状态变更回调。按发生顺序在触发转换的调用返回前同步执行，
	// 回调内不能再调用会改变状态的方法

	OnStateChange func(from State, to State) `yaml:"-" json:"-" env:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	HalfOpenCalls   int        `json:"half_open_calls"`
}

// 错误定义
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker 熔断器
//
// 所有状态转换都在同一把互斥锁下完成，并发的 CanExecute / RecordSuccess /
// RecordFailure 调用被线性化。
type CircuitBreaker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int       // 连续失败次数
	lastFailureTime time.Time // 最后失败时间
	halfOpenCalls   int       // 半开状态下的调用次数

	pending  []transition // 待通知的状态转换，受 mu 保护
	notifyMu sync.Mutex   // 串行化回调，保证通知顺序与转换顺序一致
}

type transition struct {
	from, to State
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// New 创建熔断器
func New(config Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// 🎯 状态机
// =============================================================================

// CanExecute 判断当前是否允许发起新的调用
func (b *CircuitBreaker) CanExecute() bool {
	defer b.notify()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		// 严格大于恢复时间才进入半开
		if b.now().Sub(b.lastFailureTime) > b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			// 触发转换的这次调用不计入 halfOpenCalls
			b.halfOpenCalls = 0
			b.logger.Info("circuit breaker half-open, allowing trial call")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true

	default:
		return false
	}
}

// Blocked 报告当前调用是否会被拒绝，不触发状态转换，也不占用半开名额
func (b *CircuitBreaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.lastFailureTime) <= b.config.RecoveryTimeout
	case StateHalfOpen:
		return b.halfOpenCalls >= b.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// RecordSuccess 记录一次成功
func (b *CircuitBreaker) RecordSuccess() {
	defer b.notify()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered",
			zap.Int("half_open_calls", b.halfOpenCalls),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0

	case StateOpen:
		// 打开前已放行的调用迟到的成功，保持 open 时 failureCount >= 阈值
		b.logger.Debug("late success while circuit breaker open ignored")
	}
}

// RecordFailure 记录一次失败
func (b *CircuitBreaker) RecordFailure() {
	defer b.notify()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		// 试探期间任何一次失败都重新打开
		b.logger.Warn("circuit breaker trial failed, reopening",
			zap.Int("half_open_calls", b.halfOpenCalls),
		)
		b.setState(StateOpen)

	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}
	}
}

// setState 设置状态并登记待通知的转换，调用方必须持有锁
func (b *CircuitBreaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		b.pending = append(b.pending, transition{from: oldState, to: newState})
	}
}

// notify 在释放 mu 之后按顺序投递登记的转换
//
// 并发调用方排队在 notifyMu 上；轮到时取走全部待通知转换，因此返回时
// 本次调用触发的转换一定已经投递。
func (b *CircuitBreaker) notify() {
	if b.config.OnStateChange == nil {
		return
	}

	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, tr := range batch {
		b.config.OnStateChange(tr.from, tr.to)
	}
}

// State 获取当前状态
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回当前状态的只读副本
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		HalfOpenCalls: b.halfOpenCalls,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}

// Config 返回熔断器配置
func (b *CircuitBreaker) Config() Config {
	return b.config
}

// Reset 重置熔断器（手动恢复）
func (b *CircuitBreaker) Reset() {
	defer b.notify()
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.setState(StateClosed)
	b.failureCount = 0
	b.halfOpenCalls = 0

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)
}

// =============================================================================
// 🔧 便捷调用
// =============================================================================

// Call 在熔断器保护下执行 fn，并根据结果记录成功或失败
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.CanExecute() {
		return ErrCircuitOpen
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return fmt.Errorf("circuit breaker call failed: %w", err)
	}

	b.RecordSuccess()
	return nil
}

// CallTyped Call 的泛型版本，fn 失败或被拒绝时返回 T 的零值
func CallTyped[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Call(ctx, func(ctx context.Context) (err error) {
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
