package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/chguard/circuitbreaker"
	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/internal/health"
	"github.com/BaSui01/chguard/internal/metrics"
	"github.com/BaSui01/chguard/internal/pool"
	"github.com/BaSui01/chguard/internal/telemetry"
	"github.com/BaSui01/chguard/retry"
	"github.com/BaSui01/chguard/types"
)

// Conn 分析存储连接句柄
type Conn = chclient.Conn

// Row 查询结果行
type Row = chclient.Row

// Dialer 外部客户端工厂
type Dialer = chclient.Dialer

// Operation 在受保护连接上执行的调用方操作
type Operation func(ctx context.Context, conn Conn) (any, error)

// =============================================================================
// 🎯 ConnectionManager
// =============================================================================

// Manager 组合熔断器、重试策略、连接池与健康监控，守护对 ClickHouse 的访问
//
// 所有公开方法可并发调用。编排类方法（Initialize、ConnectWithRetry、
// ValidateServiceDependencies、EnsureAnalyticsConsistency）从不返回错误，
// 失败记录在 Health 与报告中；GetConnection、WithConnection、
// ExecuteWithRetry 把错误返回给调用方。
type Manager struct {
	cfg       config.ClickHouseConfig
	dialer    Dialer
	logger    *zap.Logger
	collector *metrics.Collector

	breaker *circuitbreaker.CircuitBreaker
	policy  retry.Policy
	pool    *pool.Pool[Conn]
	monitor *health.Monitor
	metrics Metrics

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	mu     sync.RWMutex
	health Health

	reconnects singleflight.Group
	closed     atomic.Bool
}

// New 创建连接管理器。dialer 为 nil 时使用原生协议客户端。
func New(cfg config.ClickHouseConfig, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		sleep:  retry.Sleep,
		health: newHealth(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "connection_manager"))

	if dialer == nil {
		dialer = chclient.NewNativeDialer(cfg, m.logger)
	}
	m.dialer = dialer

	m.policy = retry.FromConfig(cfg.Retry)
	if m.jitter != nil {
		m.policy = m.policy.WithRand(m.jitter)
	}

	m.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		OnStateChange:    m.onBreakerStateChange,
	}, m.logger, circuitbreaker.WithClock(m.now))

	m.pool = pool.New[Conn](pool.Config{
		PoolSize:       cfg.Pool.PoolSize,
		MaxConnections: cfg.Pool.MaxConnections,
	}, func(c Conn) error { return c.Close() }, m.logger)
	m.monitor = health.NewMonitor(cfg.Pool.HealthCheckInterval, m.healthTick, m.logger,
		health.WithIterationHook(func(err error) { m.collector.RecordHealthCheck(err == nil) }),
	)

	m.collector.SetConnectionState(StateDisconnected.String(), stateNames())
	m.collector.SetCircuitState(circuitbreaker.StateClosed.String(), breakerStateNames())

	return m
}

// =============================================================================
// 🔌 生命周期
// =============================================================================

// Initialize 启动健康监控并建立连接。成功时状态为 healthy，失败时为 failed。
func (m *Manager) Initialize(ctx context.Context) bool {
	m.closed.Store(false)
	m.monitor.Start(context.WithoutCancel(ctx))

	m.logger.Info("initializing clickhouse connection",
		zap.String("addr", m.cfg.Addr()),
		zap.String("database", m.cfg.Database),
	)

	if !m.ConnectWithRetry(ctx) {
		m.setState(StateFailed)
		m.logger.Error("clickhouse connection initialization failed",
			zap.String("last_error", m.Health().LastError),
		)
		return false
	}

	m.setState(StateHealthy)
	m.logger.Info("clickhouse connection initialized")
	return true
}

// ConnectWithRetry 按重试策略建立连接
//
// 熔断器拒绝时立即返回 false，不计入重试。全部尝试失败后只向熔断器记录
// 一次失败，failed_connections 也只加一。调用方取消不算失败：不增加
// consecutive_failures，原本可用的状态保持不变。
func (m *Manager) ConnectWithRetry(ctx context.Context) bool {
	m.metrics.connectionAttempts.Add(1)
	m.collector.RecordConnectionEvent(metrics.EventConnectionAttempt)

	if err := m.cfg.ValidateConnection(); err != nil {
		m.recordConfigurationError(err)
		return false
	}

	prev := m.State()
	if err := ctx.Err(); err != nil {
		m.recordCancelled(prev, fmt.Errorf("connect cancelled: %w", err))
		return false
	}

	if !m.breaker.CanExecute() {
		m.logger.Warn("circuit breaker open, skipping connection attempt",
			zap.String("circuit_breaker_state", m.breaker.State().String()),
		)
		return false
	}

	// 已可用的连接在重连期间继续对外服务
	if !prev.Usable() {
		m.setState(StateConnecting)
	}

	var lastErr error
	for attempt := 0; attempt <= m.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.policy.ComputeDelay(attempt)
			m.metrics.retryAttempts.Add(1)
			m.collector.RecordConnectionEvent(metrics.EventRetryAttempt)

			m.logger.Info("retrying clickhouse connection",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", m.policy.MaxRetries),
				zap.Duration("delay", delay),
			)

			if err := m.sleep(ctx, delay); err != nil {
				m.recordCancelled(prev, fmt.Errorf("connect cancelled: %w", err))
				return false
			}
		}

		conn, err := m.attempt(ctx, attempt)
		if err == nil {
			m.breaker.RecordSuccess()
			m.recordAttemptSuccess()
			m.metrics.successfulConnections.Add(1)
			m.collector.RecordConnectionEvent(metrics.EventSuccessfulConnect)

			// 建连成功的句柄作为池的预热连接
			m.pool.Put(pool.NewItem(conn, m.now()))
			m.collector.SetPoolIdle(m.pool.Len())

			m.logger.Info("clickhouse connected", zap.Int("attempt", attempt))
			return true
		}

		if ctx.Err() != nil {
			m.recordCancelled(prev, fmt.Errorf("connect cancelled: %w", ctx.Err()))
			return false
		}

		lastErr = err
		m.recordAttemptFailure(err)
		m.logger.Warn("clickhouse connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	m.breaker.RecordFailure()
	m.setState(StateFailed)
	m.metrics.failedConnections.Add(1)
	m.collector.RecordConnectionEvent(metrics.EventFailedConnect)

	m.logger.Error("clickhouse connection failed after retries",
		zap.Int("attempts", m.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return false
}

// Reconnect 强制重新建连。并发调用合并为一次 ConnectWithRetry。
//
// 合并后的建连脱离调用方的 ctx，只受 reconnectTimeout 约束；调用方取消时
// 立即返回 false，建连在后台继续完成，不影响其他等待者。
func (m *Manager) Reconnect(ctx context.Context) bool {
	if m.closed.Load() {
		m.logger.Warn("reconnect requested after shutdown")
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	detached := context.WithoutCancel(ctx)
	ch := m.reconnects.DoChan("reconnect", func() (any, error) {
		rctx, cancel := context.WithTimeout(detached, m.reconnectTimeout())
		defer cancel()
		return m.ConnectWithRetry(rctx), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("reconnect request joined in-flight attempt")
		}
		return res.Val.(bool)
	case <-ctx.Done():
		m.logger.Info("reconnect caller gone, attempt continues in background", zap.Error(ctx.Err()))
		return false
	}
}

// Shutdown 停止健康监控、关闭所有空闲连接并置为 disconnected。可重复调用。
//
// ctx 到期时不再等待健康监控退出，返回 ctx 的错误。
func (m *Manager) Shutdown(ctx context.Context) error {
	first := !m.closed.Swap(true)

	stopped := make(chan struct{})
	go func() {
		m.monitor.Stop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = fmt.Errorf("wait for health monitor: %w", ctx.Err())
		m.logger.Warn("shutdown deadline reached before health monitor stopped", zap.Error(err))
	}

	closeErrs := m.pool.Drain()
	m.collector.SetPoolIdle(0)
	m.setState(StateDisconnected)

	if first {
		m.logger.Info("connection manager shut down",
			zap.Int("close_errors", len(closeErrs)),
		)
	}
	return err
}

// =============================================================================
// 🔁 连接获取
// =============================================================================

// Lease 一次独占的连接借用，必须调用 Release（或 Discard）归还
type Lease struct {
	m      *Manager
	item   pool.Item[Conn]
	wasNew bool
	once   sync.Once
}

// Conn 返回底层连接
func (l *Lease) Conn() Conn { return l.item.Value }

// ID 返回连接标识
func (l *Lease) ID() string { return l.item.ID }

// CreatedAt 返回连接创建时间
func (l *Lease) CreatedAt() time.Time { return l.item.CreatedAt }

// WasNew 报告该连接是否为池未命中时新建
func (l *Lease) WasNew() bool { return l.wasNew }

// Release 归还连接：池外新建的连接直接关闭，其余在容量允许时回池。可重复调用。
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.pool.Release(l.item, l.wasNew)
		// 关闭后归还的连接不能留在池里
		if l.m.closed.Load() {
			l.m.pool.Drain()
		}
		l.m.collector.SetPoolIdle(l.m.pool.Len())
	})
}

// Discard 关闭连接而不回池，用于可能已损坏的连接
func (l *Lease) Discard() {
	l.once.Do(func() {
		l.m.pool.Cancel()
		if err := l.item.Value.Close(); err != nil {
			l.m.logger.Debug("failed to close discarded connection",
				zap.String("id", l.item.ID),
				zap.Error(err),
			)
		}
	})
}

// GetConnection 借出一条连接
//
// 熔断器打开时在触碰连接池之前快速失败；池未命中时通过 Dialer.OpenDirect
// 新建连接。
func (m *Manager) GetConnection(ctx context.Context) (*Lease, error) {
	if m.closed.Load() {
		return nil, errManagerClosed()
	}
	if m.breaker.Blocked() {
		return nil, errCircuitOpen()
	}
	return m.acquire(ctx)
}

// WithConnection 借出连接执行 fn，任何退出路径（包括 panic）都会归还连接
func (m *Manager) WithConnection(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	lease, err := m.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx, lease.Conn())
}

func (m *Manager) acquire(ctx context.Context) (*Lease, error) {
	item, ok, err := m.pool.Acquire()
	if err != nil {
		return nil, errPoolExhausted(m.cfg.Pool.MaxConnections)
	}
	if ok {
		m.metrics.poolHits.Add(1)
		m.collector.RecordConnectionEvent(metrics.EventPoolHit)
		return &Lease{m: m, item: item}, nil
	}

	m.metrics.poolMisses.Add(1)
	m.collector.RecordConnectionEvent(metrics.EventPoolMiss)

	conn, err := m.dial(ctx, m.connectionTimeout())
	if err != nil {
		m.pool.Cancel()
		return nil, err
	}
	return &Lease{m: m, item: pool.NewItem(conn, m.now()), wasNew: true}, nil
}

// =============================================================================
// ⚙️ 受保护操作
// =============================================================================

// ExecuteWithRetry 在熔断器保护下借出连接执行 op
//
// 只执行一次，不在内部重试。timeout <= 0 时使用单次尝试超时。
// 成功与失败（含超时）都会回报给熔断器；失败以 types.Error 返回，
// 错误码为 QUERY_ERROR、TIMEOUT 或 CIRCUIT_OPEN。
func (m *Manager) ExecuteWithRetry(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if m.closed.Load() {
		return nil, errManagerClosed()
	}
	if timeout <= 0 {
		timeout = m.policy.TimeoutPerAttempt
	}

	start := m.now()
	if !m.breaker.CanExecute() {
		m.collector.ObserveOperation("rejected", 0)
		return nil, errCircuitOpen()
	}

	ctx, span := telemetry.StartClickHouseSpan(ctx, "execute",
		attribute.String("db.name", m.cfg.Database),
	)

	v, err := m.execute(ctx, op, timeout)

	outcome := "success"
	switch {
	case err == nil:
		m.breaker.RecordSuccess()
	case types.IsCode(err, types.ErrTimeout):
		outcome = "timeout"
		m.breaker.RecordFailure()
	case errors.Is(err, pool.ErrExhausted):
		// 本地限流，不是 ClickHouse 故障
		outcome = "rejected"
	default:
		outcome = "error"
		m.breaker.RecordFailure()
	}
	m.collector.ObserveOperation(outcome, m.now().Sub(start))
	telemetry.EndSpan(span, err)

	if err != nil {
		m.logger.Warn("guarded operation failed",
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
	return v, err
}

// ExecuteTyped 是 ExecuteWithRetry 的泛型版本
func ExecuteTyped[T any](ctx context.Context, m *Manager, op func(ctx context.Context, conn Conn) (T, error), timeout time.Duration) (T, error) {
	var zero T
	v, err := m.ExecuteWithRetry(ctx, func(ctx context.Context, conn Conn) (any, error) {
		return op(ctx, conn)
	}, timeout)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok && v != nil {
		return zero, types.NewError(types.ErrInternalError, fmt.Sprintf("unexpected result type %T", v))
	}
	return t, nil
}

type opResult struct {
	v   any
	err error
}

func (m *Manager) execute(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lease, err := m.acquire(opCtx)
	if err != nil {
		return nil, err
	}

	ch := make(chan opResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- opResult{err: types.NewError(types.ErrInternalError, fmt.Sprintf("operation panicked: %v", r))}
			}
		}()
		v, err := op(opCtx, lease.Conn())
		ch <- opResult{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			lease.Discard()
			return nil, classifyOperationError(r.err, timeout)
		}
		lease.Release()
		return r.v, nil

	case <-opCtx.Done():
		// 操作返回后再关闭连接，避免与仍在使用它的 goroutine 竞争
		go func() {
			<-ch
			lease.Discard()
		}()
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrQuery, "operation cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrTimeout, fmt.Sprintf("operation timed out after %s", timeout)).
			WithCause(context.DeadlineExceeded).
			WithRetryable(true)
	}
}

func classifyOperationError(err error, timeout time.Duration) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, fmt.Sprintf("operation timed out after %s", timeout)).
			WithCause(err).
			WithRetryable(true)
	}
	return types.NewError(types.ErrQuery, "operation failed").WithCause(err)
}

// =============================================================================
// 📡 建连与探测
// =============================================================================

// attempt 执行一次受单次超时约束的建连
func (m *Manager) attempt(ctx context.Context, n int) (Conn, error) {
	ctx, span := telemetry.StartClickHouseSpan(ctx, "connect",
		attribute.String("server.address", m.cfg.Host),
		attribute.Int("attempt", n),
	)

	start := m.now()
	conn, err := m.dial(ctx, m.policy.TimeoutPerAttempt)
	elapsed := m.now().Sub(start)

	m.collector.ObserveConnectAttempt(err == nil, elapsed)
	m.mu.Lock()
	m.health.Metrics["last_attempt_duration_ms"] = float64(elapsed.Microseconds()) / 1000
	m.mu.Unlock()

	telemetry.EndSpan(span, err)
	return conn, err
}

// dial 通过 OpenDirect 建连，超时后不再等待工厂返回
func (m *Manager) dial(ctx context.Context, timeout time.Duration) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dialResult struct {
		conn Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- dialResult{err: fmt.Errorf("dialer panicked: %v", r)}
			}
		}()
		conn, err := m.dialer.OpenDirect(dialCtx)
		ch <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDialError(r.err, timeout)
		}
		return r.conn, nil

	case <-dialCtx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrConnection, "connection attempt cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrTimeout, fmt.Sprintf("connection attempt timed out after %s", timeout)).
			WithCause(context.DeadlineExceeded).
			WithRetryable(true)
	}
}

func classifyDialError(err error, timeout time.Duration) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, fmt.Sprintf("connection attempt timed out after %s", timeout)).
			WithCause(err).
			WithRetryable(true)
	}
	return types.NewError(types.ErrConnection, "failed to connect to clickhouse").
		WithCause(err).
		WithRetryable(true)
}

// probe 用一条直连做一次 Ping，返回耗时
func (m *Manager) probe(ctx context.Context) (time.Duration, error) {
	ctx, span := telemetry.StartClickHouseSpan(ctx, "probe",
		attribute.String("server.address", m.cfg.Host),
	)

	timeout := m.probeTimeout()
	start := m.now()
	conn, err := m.dial(ctx, timeout)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = conn.Ping(pingCtx)
		cancel()
		_ = conn.Close()
	}
	elapsed := m.now().Sub(start)

	m.collector.ObserveProbe(err == nil, elapsed)
	telemetry.EndSpan(span, err)
	return elapsed, err
}

// healthTick 健康监控每轮执行的检查
func (m *Manager) healthTick(ctx context.Context) error {
	var probeErr error

	if m.State().Usable() {
		latency, err := m.probe(ctx)
		probeErr = err

		m.mu.Lock()
		m.health.Metrics["last_probe_at"] = m.now().UTC().Format(time.RFC3339Nano)
		m.health.Metrics["last_probe_latency_ms"] = float64(latency.Microseconds()) / 1000
		// 探测期间状态可能已被重连等操作改变
		if m.health.State.Usable() {
			if err == nil {
				m.setStateLocked(StateHealthy)
			} else {
				m.setStateLocked(StateDegraded)
			}
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("clickhouse health probe failed", zap.Error(err))
		}
	}

	if n := m.pool.Prune(m.now(), m.cfg.Pool.RecycleTime); n > 0 {
		m.logger.Debug("recycled idle connections", zap.Int("count", n))
	}
	m.collector.SetPoolIdle(m.pool.Len())

	return probeErr
}

// =============================================================================
// 📊 状态读取
// =============================================================================

// Health 返回连接健康记录的副本
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health.clone()
}

// State 返回当前连接状态
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health.State
}

// CircuitBreaker 返回熔断器快照
func (m *Manager) CircuitBreaker() circuitbreaker.Snapshot {
	return m.breaker.Snapshot()
}

// Config 返回连接配置
func (m *Manager) Config() config.ClickHouseConfig {
	return m.cfg
}

// GetConnectionMetrics 返回计数器与派生状态的快照，无副作用
func (m *Manager) GetConnectionMetrics() MetricsSnapshot {
	h := m.Health()
	cb := m.breaker.Snapshot()
	ps := m.pool.Stats()

	return MetricsSnapshot{
		Counters:                 m.metrics.snapshot(),
		ConnectionState:          h.State,
		CircuitBreakerState:      cb.State,
		CircuitBreaker:           cb,
		ConsecutiveFailures:      h.ConsecutiveFailures,
		LastSuccessfulConnection: h.LastSuccessfulConnection,
		LastError:                h.LastError,
		HealthMonitorRunning:     m.monitor.Running(),
		PoolSize:                 ps.Idle,
		PoolInUse:                ps.Leased,
		PoolHitRate:              ps.HitRate(),
		PoolDiscarded:            ps.Discarded,
		PoolPruned:               ps.Pruned,
		Config: ConfigEcho{
			Host:                m.cfg.Host,
			Port:                m.cfg.Port,
			Database:            m.cfg.Database,
			PoolSize:            m.cfg.Pool.PoolSize,
			MaxConnections:      m.cfg.Pool.MaxConnections,
			MaxRetries:          m.policy.MaxRetries,
			HealthCheckInterval: m.cfg.Pool.HealthCheckInterval.Seconds(),
			RecycleTime:         m.cfg.Pool.RecycleTime.Seconds(),
			FailureThreshold:    m.breaker.Config().FailureThreshold,
			RecoveryTimeout:     m.breaker.Config().RecoveryTimeout.Seconds(),
		},
	}
}

// =============================================================================
// 🔧 内部状态更新
// =============================================================================

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

func (m *Manager) setStateLocked(s State) {
	if m.health.State == s {
		return
	}
	m.logger.Debug("connection state changed",
		zap.String("from", m.health.State.String()),
		zap.String("to", s.String()),
	)
	m.health.State = s
	m.collector.SetConnectionState(s.String(), stateNames())
}

func (m *Manager) recordAttemptSuccess() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStateLocked(StateConnected)
	m.health.LastSuccessfulConnection = &now
	m.health.ConsecutiveFailures = 0
	m.health.LastError = ""
	m.collector.SetConsecutiveFailures(0)
}

func (m *Manager) recordAttemptFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStateLocked(StateDegraded)
	m.health.ConsecutiveFailures++
	m.health.LastError = err.Error()
	m.collector.SetConsecutiveFailures(m.health.ConsecutiveFailures)
}

// recordCancelled 处理调用方取消：prev 可用时恢复 prev，否则置为 failed
func (m *Manager) recordCancelled(prev State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("clickhouse connection aborted", zap.Error(err))
	if prev.Usable() {
		m.setStateLocked(prev)
		return
	}
	m.setStateLocked(StateFailed)
	m.health.LastError = err.Error()
}

func (m *Manager) recordConfigurationError(err error) {
	m.mu.Lock()
	m.setStateLocked(StateFailed)
	m.health.LastError = err.Error()
	m.mu.Unlock()

	m.collector.RecordConnectionEvent(metrics.EventConfigurationFailed)
	m.logger.Error("clickhouse configuration invalid",
		zap.String("error_class", "configuration"),
		zap.Error(err),
	)
}

func (m *Manager) onBreakerStateChange(from, to circuitbreaker.State) {
	if to == circuitbreaker.StateOpen {
		m.metrics.circuitBreakerOpens.Add(1)
		m.collector.RecordConnectionEvent(metrics.EventCircuitBreakerOpen)
	}
	m.collector.SetCircuitState(to.String(), breakerStateNames())
	m.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (m *Manager) connectionTimeout() time.Duration {
	if m.cfg.Pool.ConnectionTimeout > 0 {
		return m.cfg.Pool.ConnectionTimeout
	}
	return m.policy.TimeoutPerAttempt
}

// reconnectTimeout 一次完整 ConnectWithRetry 的时间上限：每次尝试的超时
// 加上按上限估算（含 20% 抖动）的全部退避等待
func (m *Manager) reconnectTimeout() time.Duration {
	attempts := time.Duration(m.policy.MaxRetries + 1)
	backoff := time.Duration(m.policy.MaxRetries) * (m.policy.MaxDelay + m.policy.MaxDelay/5)
	return attempts*m.connectionTimeout() + backoff
}

func (m *Manager) probeTimeout() time.Duration {
	if m.cfg.HealthProbeTimeout > 0 {
		return m.cfg.HealthProbeTimeout
	}
	return 5 * time.Second
}

func breakerStateNames() []string {
	return []string{
		circuitbreaker.StateClosed.String(),
		circuitbreaker.StateOpen.String(),
		circuitbreaker.StateHalfOpen.String(),
	}
}

func errCircuitOpen() error {
	return types.NewError(types.ErrCircuitOpen, "clickhouse calls suspended by circuit breaker").
		WithCause(circuitbreaker.ErrCircuitOpen).
		WithHTTPStatus(503)
}

func errPoolExhausted(limit int) error {
	return types.NewError(types.ErrServiceUnavailable,
		fmt.Sprintf("connection pool exhausted: %d connections in use", limit)).
		WithCause(pool.ErrExhausted).
		WithHTTPStatus(503)
}

func errManagerClosed() error {
	return types.NewError(types.ErrServiceUnavailable, "connection manager is shut down").
		WithHTTPStatus(503)
}
