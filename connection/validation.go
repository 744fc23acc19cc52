package connection

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/circuitbreaker"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/internal/telemetry"
)

const versionQuery = "SELECT version()"

// QueryExecution 版本查询的执行结果
type QueryExecution struct {
	Query      string  `json:"query"`
	Result     string  `json:"result,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// DependencyReport 服务依赖检查结果
type DependencyReport struct {
	ClickHouseAvailable  bool                 `json:"clickhouse_available"`
	DockerServiceHealthy bool                 `json:"docker_service_healthy"`
	ConnectionSuccessful bool                 `json:"connection_successful"`
	QueryExecution       *QueryExecution      `json:"query_execution"`
	CircuitBreakerState  circuitbreaker.State `json:"circuit_breaker_state"`
	ConnectionState      State                `json:"connection_state"`
	Errors               []string             `json:"errors"`
	OverallHealth        bool                 `json:"overall_health"`
	CheckedAt            time.Time            `json:"checked_at"`
}

// ConsistencyReport 分析表一致性检查结果
type ConsistencyReport struct {
	TablesVerified      bool              `json:"tables_verified"`
	SchemaValid         bool              `json:"schema_valid"`
	DataAccessible      bool              `json:"data_accessible"`
	WriteTestSuccessful bool              `json:"write_test_successful"`
	TableCount          int               `json:"table_count"`
	Tables              []string          `json:"tables"`
	RowCounts           map[string]uint64 `json:"row_counts,omitempty"`
	OverallConsistent   bool              `json:"overall_consistent"`
	Errors              []string          `json:"errors"`
	CheckedAt           time.Time         `json:"checked_at"`
}

// =============================================================================
// 🩺 依赖检查
// =============================================================================

// ValidateServiceDependencies 探测 ClickHouse 并执行一次版本查询
//
// 三项检查：建连成功（clickhouse_available）、Ping 成功
// （docker_service_healthy）、版本查询成功（connection_successful），
// overall_health 为三者之与。不返回错误，失败信息收集在 Errors 中。
func (m *Manager) ValidateServiceDependencies(ctx context.Context) (report DependencyReport) {
	report = DependencyReport{
		Errors:    []string{},
		CheckedAt: m.now().UTC(),
	}

	ctx, span := telemetry.StartClickHouseSpan(ctx, "validate_dependencies")
	defer func() {
		if r := recover(); r != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("dependency validation panicked: %v", r))
			report.OverallHealth = false
		}
		report.CircuitBreakerState = m.breaker.State()
		report.ConnectionState = m.State()
		span.SetAttributes(attribute.Bool("overall_health", report.OverallHealth))
		telemetry.EndSpan(span, nil)

		if !report.OverallHealth {
			m.logger.Warn("service dependency validation failed",
				zap.Strings("errors", report.Errors),
			)
		}
	}()

	timeout := m.probeTimeout()
	conn, err := m.dial(ctx, timeout)
	if err != nil {
		report.Errors = append(report.Errors, "clickhouse unavailable: "+err.Error())
		return report
	}
	defer func() { _ = conn.Close() }()
	report.ClickHouseAvailable = true

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Ping(pingCtx)
	cancel()
	if err != nil {
		report.Errors = append(report.Errors, "health probe failed: "+err.Error())
		return report
	}
	report.DockerServiceHealthy = true

	qe := &QueryExecution{Query: versionQuery}
	report.QueryExecution = qe

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	start := m.now()
	rows, err := conn.Query(queryCtx, versionQuery)
	cancel()
	qe.DurationMs = float64(m.now().Sub(start).Microseconds()) / 1000

	if err != nil {
		report.Errors = append(report.Errors, "version query failed: "+err.Error())
		return report
	}
	if len(rows) > 0 {
		qe.Result = firstValue(rows[0])
	}
	report.ConnectionSuccessful = true

	report.OverallHealth = report.ClickHouseAvailable && report.DockerServiceHealthy && report.ConnectionSuccessful
	return report
}

// =============================================================================
// 📈 分析一致性
// =============================================================================

const listTablesQuery = "SELECT name FROM system.tables WHERE database = currentDatabase() AND name LIKE ? ORDER BY name"

// EnsureAnalyticsConsistency 检查分析表存在、结构可读、数据可读写
//
// 写探测使用 INSERT INTO t SELECT * FROM t WHERE 1 = 0，语法有效但不写入任何行，
// 只在表存在且配置允许时执行。overall_consistent = data_accessible && schema_valid。
func (m *Manager) EnsureAnalyticsConsistency(ctx context.Context) (report ConsistencyReport) {
	report = ConsistencyReport{
		Tables:    []string{},
		RowCounts: map[string]uint64{},
		Errors:    []string{},
		CheckedAt: m.now().UTC(),
	}

	ctx, span := telemetry.StartClickHouseSpan(ctx, "ensure_analytics_consistency")
	defer func() {
		if r := recover(); r != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("consistency check panicked: %v", r))
		}
		report.OverallConsistent = report.DataAccessible && report.SchemaValid
		span.SetAttributes(
			attribute.Int("table_count", report.TableCount),
			attribute.Bool("overall_consistent", report.OverallConsistent),
		)
		telemetry.EndSpan(span, nil)

		if !report.OverallConsistent {
			m.logger.Warn("analytics consistency check failed",
				zap.Strings("errors", report.Errors),
			)
		}
	}()

	analytics := m.cfg.Analytics
	pattern := analytics.TablePattern
	if pattern == "" {
		pattern = "%"
	}

	err := m.WithConnection(ctx, func(ctx context.Context, conn Conn) error {
		// 1. 表存在性
		rows, err := conn.Query(ctx, listTablesQuery, pattern)
		if err != nil {
			report.Errors = append(report.Errors, "table lookup failed: "+err.Error())
			return nil
		}
		for _, row := range rows {
			if name := row.String("name"); name != "" {
				report.Tables = append(report.Tables, name)
			}
		}
		report.TableCount = len(report.Tables)

		missing := false
		for _, required := range analytics.RequiredTables {
			if !slices.Contains(report.Tables, required) {
				missing = true
				report.Errors = append(report.Errors, "missing required table: "+required)
			}
		}
		if report.TableCount == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("no tables match pattern %q", pattern))
		}
		report.TablesVerified = report.TableCount > 0 && !missing

		// 2. 读探测
		report.DataAccessible = m.readProbe(ctx, conn, &report)

		if report.TableCount == 0 {
			return nil
		}

		// 3. 表结构
		report.SchemaValid = report.TablesVerified
		for _, table := range report.Tables {
			cols, err := conn.Query(ctx, "DESCRIBE TABLE "+chclient.QuoteIdentifier(table))
			if err != nil {
				report.SchemaValid = false
				report.Errors = append(report.Errors, fmt.Sprintf("describe %s failed: %v", table, err))
				continue
			}
			if len(cols) == 0 {
				report.SchemaValid = false
				report.Errors = append(report.Errors, fmt.Sprintf("table %s has no columns", table))
			}
		}

		// 4. 写探测
		if !analytics.WriteProbe {
			return nil
		}
		report.WriteTestSuccessful = true
		for _, table := range report.Tables {
			q := chclient.QuoteIdentifier(table)
			if err := conn.Exec(ctx, "INSERT INTO "+q+" SELECT * FROM "+q+" WHERE 1 = 0"); err != nil {
				report.WriteTestSuccessful = false
				report.Errors = append(report.Errors, fmt.Sprintf("write probe on %s failed: %v", table, err))
			}
		}
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, "connection unavailable: "+err.Error())
	}
	return report
}

// readProbe 对每张表做一次 count()，没有表时退化为 SELECT 1
func (m *Manager) readProbe(ctx context.Context, conn Conn, report *ConsistencyReport) bool {
	if len(report.Tables) == 0 {
		if _, err := conn.Query(ctx, "SELECT 1"); err != nil {
			report.Errors = append(report.Errors, "read probe failed: "+err.Error())
			return false
		}
		return true
	}

	ok := true
	for _, table := range report.Tables {
		rows, err := conn.Query(ctx, "SELECT count() AS c FROM "+chclient.QuoteIdentifier(table))
		if err != nil {
			ok = false
			report.Errors = append(report.Errors, fmt.Sprintf("read probe on %s failed: %v", table, err))
			continue
		}
		if len(rows) > 0 {
			if n, err := strconv.ParseUint(rows[0].String("c"), 10, 64); err == nil {
				report.RowCounts[table] = n
			}
		}
	}
	return ok
}

// firstValue 返回单列结果行的值
func firstValue(row chclient.Row) string {
	for k := range row {
		return row.String(k)
	}
	return ""
}
