package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/chguard/circuitbreaker"
	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/internal/metrics"
	"github.com/BaSui01/chguard/internal/pool"
	"github.com/BaSui01/chguard/testutil"
	"github.com/BaSui01/chguard/testutil/mocks"
	"github.com/BaSui01/chguard/types"
)

// ---- helpers ----

type fakeClock = testutil.FakeClock

func newFakeClock() *fakeClock { return testutil.NewFakeClock() }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testConfig() config.ClickHouseConfig {
	cfg := config.DefaultClickHouseConfig()
	cfg.Retry = config.RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		Jitter:            false,
		TimeoutPerAttempt: time.Second,
	}
	cfg.Pool.HealthCheckInterval = time.Hour
	cfg.Pool.ConnectionTimeout = time.Second
	cfg.HealthProbeTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg config.ClickHouseConfig, dialer Dialer, opts ...Option) (*Manager, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	all := append([]Option{WithLogger(zap.NewNop()), WithSleep(rec.sleep)}, opts...)
	m := New(cfg, dialer, all...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, rec
}

// ---- Initialize ----

func TestInitialize_Success(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, rec := newTestManager(t, testConfig(), dialer)

	require.True(t, m.Initialize(context.Background()))

	snap := m.GetConnectionMetrics()
	assert.Equal(t, int64(1), snap.ConnectionAttempts)
	assert.Equal(t, int64(1), snap.SuccessfulConnections)
	assert.Equal(t, int64(0), snap.FailedConnections)
	assert.Equal(t, int64(0), snap.RetryAttempts)
	assert.Equal(t, StateHealthy, snap.ConnectionState)
	assert.Equal(t, circuitbreaker.StateClosed, snap.CircuitBreakerState)
	assert.Equal(t, 1, snap.PoolSize, "successful connection warms the pool")
	assert.True(t, snap.HealthMonitorRunning)
	assert.Empty(t, rec.Delays())

	h := m.Health()
	require.NotNil(t, h.LastSuccessfulConnection)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.Contains(t, h.Metrics, "last_attempt_duration_ms")
}

func TestInitialize_FailureSetsFailedState(t *testing.T) {
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, testConfig(), dialer)

	assert.False(t, m.Initialize(context.Background()))
	assert.Equal(t, StateFailed, m.State())
	assert.Contains(t, m.Health().LastError, "connection refused")
	// 失败后健康监控仍在运行，外部可通过 Reconnect 恢复
	assert.True(t, m.GetConnectionMetrics().HealthMonitorRunning)
}

// ---- ConnectWithRetry ----

func TestConnectWithRetry_ExhaustionCountsOnce(t *testing.T) {
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, rec := newTestManager(t, testConfig(), dialer)

	assert.False(t, m.ConnectWithRetry(context.Background()))

	assert.Equal(t, 4, dialer.Calls(), "1 initial + 3 retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.Delays())

	snap := m.GetConnectionMetrics()
	assert.Equal(t, int64(1), snap.ConnectionAttempts)
	assert.Equal(t, int64(1), snap.FailedConnections)
	assert.Equal(t, int64(3), snap.RetryAttempts)
	assert.Equal(t, int64(0), snap.SuccessfulConnections)
	assert.Equal(t, StateFailed, snap.ConnectionState)
	assert.Equal(t, 4, snap.ConsecutiveFailures)
	assert.Equal(t, 1, m.CircuitBreaker().FailureCount, "exhaustion records a single breaker failure")
}

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	dialer := mocks.NewMockDialer().WithFailFirst(2, mocks.ErrMockConnRefused)
	m, rec := newTestManager(t, testConfig(), dialer)

	assert.True(t, m.ConnectWithRetry(context.Background()))

	assert.Equal(t, 3, dialer.Calls())
	assert.Len(t, rec.Delays(), 2)

	snap := m.GetConnectionMetrics()
	assert.Equal(t, int64(2), snap.RetryAttempts)
	assert.Equal(t, int64(1), snap.SuccessfulConnections)
	assert.Equal(t, StateConnected, snap.ConnectionState)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
}

func TestConnectWithRetry_ConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.Host = ""
	cfg.Database = ""
	dialer := mocks.NewMockDialer()
	m, rec := newTestManager(t, cfg, dialer)

	assert.False(t, m.Initialize(context.Background()))

	assert.Zero(t, dialer.Calls(), "no network attempt with invalid configuration")
	assert.Empty(t, rec.Delays(), "configuration errors are not retried")

	h := m.Health()
	assert.Equal(t, StateFailed, h.State)
	assert.Contains(t, h.LastError, string(types.ErrConfiguration))
	assert.Contains(t, h.LastError, "host")
	assert.Contains(t, h.LastError, "database")

	snap := m.GetConnectionMetrics()
	assert.Zero(t, snap.FailedConnections)
	assert.Zero(t, snap.CircuitBreaker.FailureCount)
}

func TestConnectWithRetry_CircuitOpenSkipsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker.FailureThreshold = 1
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, cfg, dialer)

	assert.False(t, m.ConnectWithRetry(context.Background()))
	require.Equal(t, circuitbreaker.StateOpen, m.CircuitBreaker().State)

	assert.False(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, 1, dialer.Calls(), "open breaker must not dial")

	snap := m.GetConnectionMetrics()
	assert.Equal(t, int64(2), snap.ConnectionAttempts)
	assert.Equal(t, int64(0), snap.RetryAttempts)
	assert.Equal(t, int64(1), snap.FailedConnections)
	assert.Equal(t, int64(1), snap.CircuitBreakerOpens)
}

func TestConnectWithRetry_HalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	clock := newFakeClock()

	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		if n == 1 {
			return nil, mocks.ErrMockConnRefused
		}
		return mocks.NewMockConn(), nil
	})
	m, _ := newTestManager(t, cfg, dialer, WithClock(clock.Now))

	require.False(t, m.ConnectWithRetry(context.Background()))
	require.Equal(t, circuitbreaker.StateOpen, m.CircuitBreaker().State)

	clock.Advance(31 * time.Second)
	assert.True(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, circuitbreaker.StateClosed, m.CircuitBreaker().State)
	assert.Zero(t, m.CircuitBreaker().FailureCount)
}

// activeBreakerState 返回熔断器 one-hot 指标中值为 1 的状态
func activeBreakerState(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var active []string
	for _, mf := range families {
		if mf.GetName() != "test_clickhouse_circuit_breaker_state" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if metric.GetGauge().GetValue() != 1 {
				continue
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "state" {
					active = append(active, lp.GetValue())
				}
			}
		}
	}
	require.Len(t, active, 1, "exactly one breaker state is active")
	return active[0]
}

func TestConnectWithRetry_BreakerMetricsConsistentAfterRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	clock := newFakeClock()
	reg := prometheus.NewRegistry()

	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		if n == 1 {
			return nil, mocks.ErrMockConnRefused
		}
		return mocks.NewMockConn(), nil
	})
	m, _ := newTestManager(t, cfg, dialer,
		WithClock(clock.Now),
		WithCollector(metrics.NewCollector("test", reg, nil)),
	)

	require.False(t, m.ConnectWithRetry(context.Background()))
	snap := m.GetConnectionMetrics()
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitBreakerState)
	assert.Equal(t, int64(1), snap.CircuitBreakerOpens, "opens counted before the call returns")
	assert.Equal(t, "open", activeBreakerState(t, reg))

	// open -> half_open -> closed 在同一次调用内完成
	clock.Advance(31 * time.Second)
	require.True(t, m.ConnectWithRetry(context.Background()))
	snap = m.GetConnectionMetrics()
	assert.Equal(t, circuitbreaker.StateClosed, snap.CircuitBreakerState)
	assert.Equal(t, int64(1), snap.CircuitBreakerOpens)
	assert.Equal(t, "closed", activeBreakerState(t, reg))
}

// counterValue 读取带单个标签的计数器值，不存在时返回 0
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHealthMonitor_IterationsExported(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.HealthCheckInterval = 5 * time.Millisecond
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, cfg, mocks.NewMockDialer(),
		WithCollector(metrics.NewCollector("test", reg, nil)),
	)
	require.True(t, m.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "test_clickhouse_health_checks_total", "result", "success") >= 2
	}, time.Second, time.Millisecond)
	assert.Zero(t, counterValue(t, reg, "test_clickhouse_health_checks_total", "result", "failure"))
}

func TestConnectWithRetry_AttemptTimeoutIsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 1
	cfg.Retry.TimeoutPerAttempt = 20 * time.Millisecond
	dialer := mocks.NewMockDialer().WithDelay(time.Minute)
	m, _ := newTestManager(t, cfg, dialer)

	start := time.Now()
	assert.False(t, m.ConnectWithRetry(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	h := m.Health()
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, string(types.ErrTimeout))
	assert.Equal(t, int64(1), m.GetConnectionMetrics().FailedConnections)
}

func TestConnectWithRetry_CancelledDuringBackoff(t *testing.T) {
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, rec := newTestManager(t, testConfig(), dialer)
	rec.err = context.Canceled

	assert.False(t, m.ConnectWithRetry(context.Background()))

	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, StateFailed, m.State())
	assert.Contains(t, m.Health().LastError, "connect cancelled")
	assert.Zero(t, m.CircuitBreaker().FailureCount, "cancellation is not a dependency failure")
}

func TestConnectWithRetry_JitterSource(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Jitter = true
	cfg.Retry.MaxRetries = 1
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, rec := newTestManager(t, cfg, dialer, WithJitterSource(func() float64 { return 0 }))

	m.ConnectWithRetry(context.Background())
	assert.Equal(t, []time.Duration{800 * time.Millisecond}, rec.Delays())
}

// ---- Reconnect ----

func TestReconnect_ConcurrentCallsCollapse(t *testing.T) {
	release := make(chan struct{})
	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		<-release
		return mocks.NewMockConn(), nil
	})
	m, _ := newTestManager(t, testConfig(), dialer)

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Reconnect(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return dialer.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, int64(1), m.GetConnectionMetrics().ConnectionAttempts)
}

func TestReconnect_AfterShutdown(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.NoError(t, m.Shutdown(context.Background()))

	assert.False(t, m.Reconnect(context.Background()))
	assert.Zero(t, dialer.Calls())
}

func TestConnectWithRetry_CancelledKeepsUsableState(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.ConnectWithRetry(ctx))
	assert.Equal(t, StateHealthy, m.State())
	assert.Equal(t, 1, dialer.Calls())

	h := m.Health()
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
}

func TestReconnect_AlreadyCancelledLeavesHealthyManager(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.Reconnect(ctx))
	assert.Equal(t, StateHealthy, m.State())
	assert.Zero(t, m.Health().ConsecutiveFailures)
	assert.Empty(t, m.Health().LastError)
	assert.Equal(t, 1, dialer.Calls())
}

func TestReconnect_CallerCancellationDoesNotFailManager(t *testing.T) {
	release := make(chan struct{})
	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		if n > 1 {
			<-release
		}
		return mocks.NewMockConn(), nil
	})
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- m.Reconnect(ctx) }()

	require.Eventually(t, func() bool { return dialer.Calls() == 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Reconnect did not return after caller cancellation")
	}

	// 后台建连仍在进行，原状态保持可用
	assert.True(t, m.State().Usable())
	assert.Zero(t, m.Health().ConsecutiveFailures)
	assert.Empty(t, m.Health().LastError)

	close(release)
	require.Eventually(t, func() bool {
		return m.GetConnectionMetrics().SuccessfulConnections == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Zero(t, m.Health().ConsecutiveFailures)
	assert.Zero(t, m.CircuitBreaker().FailureCount)
}

func TestReconnect_JoinedCallerUnaffectedByOtherCancellation(t *testing.T) {
	release := make(chan struct{})
	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		<-release
		return mocks.NewMockConn(), nil
	})
	m, _ := newTestManager(t, testConfig(), dialer)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- m.Reconnect(ctx) }()
	require.Eventually(t, func() bool { return dialer.Calls() == 1 }, time.Second, time.Millisecond)

	second := make(chan bool, 1)
	go func() { second <- m.Reconnect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.False(t, <-first)

	close(release)
	assert.True(t, <-second)
	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, StateConnected, m.State())
}

// ---- GetConnection / WithConnection ----

func TestGetConnection_PoolHitReturnsWarmConnection(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	lease, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, lease.WasNew())
	assert.Same(t, dialer.Conns()[0], lease.Conn())
	assert.Equal(t, 0, m.GetConnectionMetrics().PoolSize)

	lease.Release()
	lease.Release()

	snap := m.GetConnectionMetrics()
	assert.Equal(t, 1, snap.PoolSize)
	assert.Equal(t, int64(1), snap.PoolHits)
	assert.False(t, dialer.Conns()[0].Closed())

	// 再次借出仍是同一句柄
	again, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Same(t, dialer.Conns()[0], again.Conn())
	again.Release()
}

func TestGetConnection_MissCreatesAndDiscards(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)

	lease, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, lease.WasNew())
	assert.NotEmpty(t, lease.ID())
	assert.False(t, lease.CreatedAt().IsZero())

	lease.Release()

	conn := dialer.Conns()[0]
	assert.True(t, conn.Closed(), "newly created connection is not pooled")
	snap := m.GetConnectionMetrics()
	assert.Equal(t, 0, snap.PoolSize)
	assert.Equal(t, int64(1), snap.PoolMisses)
}

func TestGetConnection_MaxConnectionsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.PoolSize = 1
	cfg.Pool.MaxConnections = 1
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, cfg, dialer)
	require.True(t, m.Initialize(context.Background()))

	held, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolInUse)

	_, err = m.GetConnection(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.Equal(t, 1, dialer.Calls(), "exhausted pool does not dial")

	_, err = m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		return nil, nil
	}, time.Second)
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.Zero(t, m.CircuitBreaker().FailureCount, "local exhaustion is not a clickhouse failure")

	held.Release()
	again, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestGetConnection_DialFailureFreesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.PoolSize = 1
	cfg.Pool.MaxConnections = 1
	dialer := mocks.NewMockDialer().WithFailFirst(1, mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, cfg, dialer)

	_, err := m.GetConnection(context.Background())
	require.Error(t, err)

	lease, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	lease.Discard()

	lease, err = m.GetConnection(context.Background())
	require.NoError(t, err, "discarded lease returns its slot")
	lease.Release()
}

func TestGetConnection_DialFailure(t *testing.T) {
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, testConfig(), dialer)

	_, err := m.GetConnection(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConnection))
	assert.ErrorIs(t, err, mocks.ErrMockConnRefused)
}

func TestGetConnection_CircuitOpenFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker.FailureThreshold = 1
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, cfg, dialer)
	require.False(t, m.ConnectWithRetry(context.Background()))

	_, err := m.GetConnection(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	snap := m.GetConnectionMetrics()
	assert.Zero(t, snap.PoolMisses+snap.PoolHits, "pool must not be touched")
	assert.Equal(t, 1, dialer.Calls())
}

func TestWithConnection_ReleasesOnPanic(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	assert.Panics(t, func() {
		_ = m.WithConnection(context.Background(), func(ctx context.Context, conn Conn) error {
			panic("boom")
		})
	})
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolSize)
}

func TestWithConnection_PropagatesError(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	errBoom := errors.New("boom")
	err := m.WithConnection(context.Background(), func(ctx context.Context, conn Conn) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolSize)
}

// ---- ExecuteWithRetry ----

func TestExecuteWithRetry_Success(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	v, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		rows, err := conn.Query(ctx, "SELECT version()")
		if err != nil {
			return nil, err
		}
		return rows[0].String("version()"), nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, "24.3.1.2672", v)
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolSize)
	assert.False(t, dialer.Conns()[0].Closed())
}

func TestExecuteWithRetry_DefaultTimeoutApplied(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)

	_, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			return nil, errors.New("no deadline")
		}
		if time.Until(deadline) > time.Second {
			return nil, errors.New("deadline longer than timeout_per_attempt")
		}
		return nil, nil
	}, 0)
	assert.NoError(t, err)
}

func TestExecuteWithRetry_QueryErrorRecordsFailure(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	errSyntax := errors.New("code: 62, message: Syntax error")
	_, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		return nil, errSyntax
	}, time.Second)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrQuery))
	assert.ErrorIs(t, err, errSyntax)
	assert.Equal(t, 1, m.CircuitBreaker().FailureCount)
	assert.True(t, dialer.Conns()[0].Closed(), "connection used by a failed operation is discarded")
	assert.Equal(t, 0, m.GetConnectionMetrics().PoolSize)
}

func TestExecuteWithRetry_Timeout(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	done := make(chan struct{})
	_, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		defer close(done)
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.Equal(t, 1, m.CircuitBreaker().FailureCount)

	<-done
	assert.Eventually(t, func() bool { return dialer.Conns()[0].Closed() }, time.Second, time.Millisecond)
}

func TestExecuteWithRetry_CircuitOpenSkipsOperation(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, cfg, dialer)

	failing := func(ctx context.Context, conn Conn) (any, error) { return nil, errors.New("fail") }
	_, err := m.ExecuteWithRetry(context.Background(), failing, time.Second)
	require.Error(t, err)

	called := false
	_, err = m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		called = true
		return nil, nil
	}, time.Second)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), m.GetConnectionMetrics().CircuitBreakerOpens)
}

func TestExecuteWithRetry_PanicBecomesInternalError(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)

	_, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		panic("nil map write")
	}, time.Second)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInternalError))
	assert.Equal(t, 1, m.CircuitBreaker().FailureCount)
}

func TestExecuteWithRetry_SuccessResetsFailures(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)

	_, _ = m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		return nil, errors.New("fail")
	}, time.Second)
	require.Equal(t, 1, m.CircuitBreaker().FailureCount)

	_, err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		return 1, nil
	}, time.Second)
	require.NoError(t, err)
	assert.Zero(t, m.CircuitBreaker().FailureCount)
}

func TestExecuteTyped(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)

	n, err := ExecuteTyped(context.Background(), m, func(ctx context.Context, conn Conn) (int, error) {
		return 42, nil
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = ExecuteTyped(context.Background(), m, func(ctx context.Context, conn Conn) (string, error) {
		return "", errors.New("fail")
	}, time.Second)
	assert.True(t, types.IsCode(err, types.ErrQuery))
}

// ---- Health monitor integration ----

func TestHealthTick_ProbeSuccessAndFailure(t *testing.T) {
	var probeErr error
	var mu sync.Mutex
	dialer := mocks.NewMockDialer().WithConnFactory(func(n int) *mocks.MockConn {
		mu.Lock()
		defer mu.Unlock()
		return mocks.NewMockConn().WithPingError(probeErr)
	})
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	require.NoError(t, m.healthTick(context.Background()))
	assert.Equal(t, StateHealthy, m.State())
	assert.Contains(t, m.Health().Metrics, "last_probe_latency_ms")
	assert.Contains(t, m.Health().Metrics, "last_probe_at")

	mu.Lock()
	probeErr = errors.New("ping: broken pipe")
	mu.Unlock()

	assert.Error(t, m.healthTick(context.Background()))
	assert.Equal(t, StateDegraded, m.State())

	// degraded 时不再探测
	calls := dialer.Calls()
	assert.NoError(t, m.healthTick(context.Background()))
	assert.Equal(t, calls, dialer.Calls())
}

func TestHealthTick_PrunesStaleConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.RecycleTime = time.Hour
	clock := newFakeClock()
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, cfg, dialer, WithClock(clock.Now))
	require.True(t, m.Initialize(context.Background()))
	require.Equal(t, 1, m.GetConnectionMetrics().PoolSize)

	clock.Advance(30 * time.Minute)
	require.NoError(t, m.healthTick(context.Background()))
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolSize)

	clock.Advance(31 * time.Minute)
	require.NoError(t, m.healthTick(context.Background()))
	assert.Equal(t, 0, m.GetConnectionMetrics().PoolSize)
	assert.True(t, dialer.Conns()[0].Closed())
	assert.Equal(t, int64(1), m.GetConnectionMetrics().PoolPruned)
}

func TestHealthMonitor_RunsInBackground(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.HealthCheckInterval = 5 * time.Millisecond
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, cfg, dialer)
	require.True(t, m.Initialize(context.Background()))

	assert.Eventually(t, func() bool { return dialer.Calls() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateHealthy, m.State())
}

// ---- Shutdown ----

func TestShutdown_Idempotent(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.GetConnectionMetrics().HealthMonitorRunning)
	assert.Equal(t, 0, m.GetConnectionMetrics().PoolSize)
	assert.True(t, dialer.Conns()[0].Closed())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestShutdown_CloseFailuresAreTolerated(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return mocks.NewMockConn().WithCloseError(errors.New("close: broken pipe"))
	})
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	assert.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.GetConnection(context.Background())
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))

	_, err = m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
		return nil, nil
	}, time.Second)
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
}

func TestShutdown_LeaseReleasedAfterShutdownIsClosed(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	lease, err := m.GetConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	lease.Release()
	assert.True(t, dialer.Conns()[0].Closed())
	assert.Equal(t, 0, m.GetConnectionMetrics().PoolSize)
}

// ---- Metrics ----

func TestGetConnectionMetrics_JSON(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	data, err := json.Marshal(m.GetConnectionMetrics())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "healthy", decoded["connection_state"])
	assert.Equal(t, "closed", decoded["circuit_breaker_state"])
	assert.Equal(t, float64(1), decoded["connection_attempts"])
	assert.Equal(t, float64(1), decoded["pool_size"])

	cfg, ok := decoded["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "localhost", cfg["host"])
	assert.Equal(t, float64(3), cfg["max_retries"])
}

func TestManager_CollectorReceivesEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, nil)
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer, WithCollector(collector))
	require.True(t, m.Initialize(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_clickhouse_connection_events_total"])
	assert.True(t, names["test_clickhouse_connection_state"])
	assert.True(t, names["test_clickhouse_connect_attempt_duration_seconds"])
}

func TestProperty_CountersNeverDecrease(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := testConfig()
		cfg.Retry.MaxRetries = rapid.IntRange(0, 2).Draw(rt, "max_retries")
		cfg.CircuitBreaker.FailureThreshold = rapid.IntRange(1, 3).Draw(rt, "threshold")

		failures := rapid.SliceOfN(rapid.Bool(), 1, 12).Draw(rt, "dial_failures")
		var mu sync.Mutex
		idx := 0
		dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			fail := failures[idx%len(failures)]
			idx++
			if fail {
				return nil, mocks.ErrMockConnRefused
			}
			return mocks.NewMockConn(), nil
		})

		m := New(cfg, dialer, WithSleep(func(context.Context, time.Duration) error { return nil }))
		defer func() { _ = m.Shutdown(context.Background()) }()

		prev := m.GetConnectionMetrics().Counters
		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 20).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				m.ConnectWithRetry(context.Background())
			case 1:
				if lease, err := m.GetConnection(context.Background()); err == nil {
					lease.Release()
				}
			case 2:
				_, _ = m.ExecuteWithRetry(context.Background(), func(ctx context.Context, conn Conn) (any, error) {
					return nil, nil
				}, time.Second)
			}

			cur := m.GetConnectionMetrics().Counters
			if cur.ConnectionAttempts < prev.ConnectionAttempts ||
				cur.SuccessfulConnections < prev.SuccessfulConnections ||
				cur.FailedConnections < prev.FailedConnections ||
				cur.RetryAttempts < prev.RetryAttempts ||
				cur.PoolHits < prev.PoolHits ||
				cur.PoolMisses < prev.PoolMisses {
				rt.Fatalf("counters decreased: %+v -> %+v", prev, cur)
			}
			if cur.SuccessfulConnections+cur.FailedConnections > cur.ConnectionAttempts {
				rt.Fatalf("more outcomes than attempts: %+v", cur)
			}
			prev = cur
		}
	})
}
