package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chguard/circuitbreaker"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/testutil/fixtures"
	"github.com/BaSui01/chguard/testutil/mocks"
)

// analyticsConn 构造一个带两张分析表的模拟连接
func analyticsConn() *mocks.MockConn {
	return fixtures.AnalyticsConn(42, "analytics_events", "analytics_sessions")
}

// ---- ValidateServiceDependencies ----

func TestValidateServiceDependencies_Healthy(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.ValidateServiceDependencies(context.Background())

	assert.True(t, report.ClickHouseAvailable)
	assert.True(t, report.DockerServiceHealthy)
	assert.True(t, report.ConnectionSuccessful)
	assert.True(t, report.OverallHealth)
	assert.Empty(t, report.Errors)
	require.NotNil(t, report.QueryExecution)
	assert.Equal(t, "SELECT version()", report.QueryExecution.Query)
	assert.Equal(t, "24.3.1.2672", report.QueryExecution.Result)
	assert.Equal(t, circuitbreaker.StateClosed, report.CircuitBreakerState)
	assert.Equal(t, StateHealthy, report.ConnectionState)
	assert.False(t, report.CheckedAt.IsZero())

	// 探测连接用完即关
	conns := dialer.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[1].Closed())
	assert.False(t, conns[0].Closed())
}

func TestValidateServiceDependencies_Unavailable(t *testing.T) {
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, testConfig(), dialer)

	var report DependencyReport
	assert.NotPanics(t, func() {
		report = m.ValidateServiceDependencies(context.Background())
	})

	assert.False(t, report.ClickHouseAvailable)
	assert.False(t, report.DockerServiceHealthy)
	assert.False(t, report.ConnectionSuccessful)
	assert.False(t, report.OverallHealth)
	assert.Nil(t, report.QueryExecution)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "clickhouse unavailable")
	assert.Contains(t, report.Errors[0], "connection refused")
}

func TestValidateServiceDependencies_ProbeFailure(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return mocks.NewMockConn().WithPingError(errors.New("code: 210, network error"))
	})
	m, _ := newTestManager(t, testConfig(), dialer)

	report := m.ValidateServiceDependencies(context.Background())

	assert.True(t, report.ClickHouseAvailable)
	assert.False(t, report.DockerServiceHealthy)
	assert.False(t, report.ConnectionSuccessful)
	assert.False(t, report.OverallHealth)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "network error")
}

func TestValidateServiceDependencies_VersionQueryFailure(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return mocks.NewMockConn().WithQueryError("SELECT version()", errors.New("code: 516, authentication failed"))
	})
	m, _ := newTestManager(t, testConfig(), dialer)

	report := m.ValidateServiceDependencies(context.Background())

	assert.True(t, report.ClickHouseAvailable)
	assert.True(t, report.DockerServiceHealthy)
	assert.False(t, report.ConnectionSuccessful)
	assert.False(t, report.OverallHealth)
	require.NotNil(t, report.QueryExecution)
	assert.Empty(t, report.QueryExecution.Result)
	assert.Contains(t, report.Errors[0], "authentication failed")
}

func TestValidateServiceDependencies_DialerPanic(t *testing.T) {
	dialer := mocks.NewMockDialer().WithOpenFunc(func(ctx context.Context, n int) (chclient.Conn, error) {
		panic("driver bug")
	})
	m, _ := newTestManager(t, testConfig(), dialer)

	report := m.ValidateServiceDependencies(context.Background())
	assert.False(t, report.OverallHealth)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "driver bug")
}

// ---- EnsureAnalyticsConsistency ----

func TestEnsureAnalyticsConsistency_AllChecksPass(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn { return analyticsConn() })
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.True(t, report.TablesVerified)
	assert.True(t, report.SchemaValid)
	assert.True(t, report.DataAccessible)
	assert.True(t, report.WriteTestSuccessful)
	assert.True(t, report.OverallConsistent)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.TableCount)
	assert.Equal(t, []string{"analytics_events", "analytics_sessions"}, report.Tables)
	assert.Equal(t, uint64(42), report.RowCounts["analytics_events"])

	conn := dialer.Conns()[0]
	assert.Equal(t, []string{
		"INSERT INTO `analytics_events` SELECT * FROM `analytics_events` WHERE 1 = 0",
		"INSERT INTO `analytics_sessions` SELECT * FROM `analytics_sessions` WHERE 1 = 0",
	}, conn.Execs())
	assert.Equal(t, 1, m.GetConnectionMetrics().PoolSize, "connection returned to pool")
}

func TestEnsureAnalyticsConsistency_NoTables(t *testing.T) {
	dialer := mocks.NewMockDialer()
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.False(t, report.TablesVerified)
	assert.False(t, report.SchemaValid)
	assert.True(t, report.DataAccessible, "SELECT 1 still succeeds")
	assert.False(t, report.WriteTestSuccessful)
	assert.False(t, report.OverallConsistent)
	assert.Zero(t, report.TableCount)
	assert.Empty(t, dialer.Conns()[0].Execs(), "no write probe without tables")
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "analytics_%")
}

func TestEnsureAnalyticsConsistency_MissingRequiredTable(t *testing.T) {
	cfg := testConfig()
	cfg.Analytics.RequiredTables = []string{"analytics_events", "analytics_funnels"}
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn { return analyticsConn() })
	m, _ := newTestManager(t, cfg, dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.False(t, report.TablesVerified)
	assert.False(t, report.SchemaValid)
	assert.True(t, report.DataAccessible)
	assert.False(t, report.OverallConsistent)
	assert.Contains(t, report.Errors, "missing required table: analytics_funnels")
}

func TestEnsureAnalyticsConsistency_ReadProbeFails(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return analyticsConn().WithQueryError("SELECT count()", errors.New("code: 60, table is readonly"))
	})
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.True(t, report.TablesVerified)
	assert.True(t, report.SchemaValid)
	assert.False(t, report.DataAccessible)
	assert.False(t, report.OverallConsistent)
	assert.Len(t, report.Errors, 2)
}

func TestEnsureAnalyticsConsistency_WriteProbeFailureIsReported(t *testing.T) {
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return analyticsConn().WithExecError(errors.New("code: 497, not enough privileges"))
	})
	m, _ := newTestManager(t, testConfig(), dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.False(t, report.WriteTestSuccessful)
	assert.True(t, report.OverallConsistent, "write probe does not affect overall consistency")
	assert.Len(t, report.Errors, 2)
}

func TestEnsureAnalyticsConsistency_WriteProbeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Analytics.WriteProbe = false
	dialer := mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn { return analyticsConn() })
	m, _ := newTestManager(t, cfg, dialer)
	require.True(t, m.Initialize(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.True(t, report.OverallConsistent)
	assert.False(t, report.WriteTestSuccessful)
	assert.Empty(t, dialer.Conns()[0].Execs())
}

func TestEnsureAnalyticsConsistency_CircuitOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker.FailureThreshold = 1
	dialer := mocks.NewMockDialer().WithError(mocks.ErrMockConnRefused)
	m, _ := newTestManager(t, cfg, dialer)
	require.False(t, m.ConnectWithRetry(context.Background()))

	report := m.EnsureAnalyticsConsistency(context.Background())

	assert.False(t, report.OverallConsistent)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "connection unavailable")
	assert.Contains(t, report.Errors[0], "CIRCUIT_OPEN")
}
