// =============================================================================
// 📦 测试数据工厂 - ClickHouse 查询结果
// =============================================================================
// 提供 system.tables、DESCRIBE TABLE 与 count() 的预置结果行
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/testutil/mocks"
)

// 一致性检查发出的查询前缀
const (
	TablesQueryPrefix   = "SELECT name FROM system.tables"
	DescribeQueryPrefix = "DESCRIBE TABLE"
	CountQueryPrefix    = "SELECT count()"
)

// TableRows 返回 system.tables 查询结果
func TableRows(names ...string) []chclient.Row {
	rows := make([]chclient.Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, chclient.Row{"name": name})
	}
	return rows
}

// ColumnRows 返回一张表的列定义（DESCRIBE TABLE 结果）
func ColumnRows() []chclient.Row {
	return []chclient.Row{
		{"name": "id", "type": "UInt64"},
		{"name": "ts", "type": "DateTime64(3)"},
	}
}

// CountRows 返回 count() 查询结果
func CountRows(n uint64) []chclient.Row {
	return []chclient.Row{{"c": n}}
}

// AnalyticsConn 返回包含指定分析表、每张表 rows 行数据的模拟连接
func AnalyticsConn(rows uint64, tables ...string) *mocks.MockConn {
	return mocks.NewMockConn().
		WithQueryResponse(TablesQueryPrefix, TableRows(tables...)).
		WithQueryResponse(DescribeQueryPrefix, ColumnRows()).
		WithQueryResponse(CountQueryPrefix, CountRows(rows))
}

// AnalyticsDialer 返回每次建连都得到 AnalyticsConn 的模拟 Dialer
func AnalyticsDialer(rows uint64, tables ...string) *mocks.MockDialer {
	return mocks.NewMockDialer().WithConnFactory(func(int) *mocks.MockConn {
		return AnalyticsConn(rows, tables...)
	})
}
