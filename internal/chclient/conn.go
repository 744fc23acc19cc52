package chclient

import (
	"context"
	"fmt"
	"strings"
)

// Row 一行查询结果，列名 → 值
type Row map[string]any

// String 返回列值的字符串形式，不存在时返回空字符串
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Conn 一个可释放的分析存储连接句柄
//
// 同一时刻只被一个调用方持有，实现不要求并发安全。
type Conn interface {
	// Ping 轻量探活
	Ping(ctx context.Context) error

	// Query 执行查询并返回全部行
	Query(ctx context.Context, query string, args ...any) ([]Row, error)

	// Exec 执行不返回行的语句
	Exec(ctx context.Context, query string, args ...any) error

	// Close 断开连接
	Close() error
}

// Dialer 外部客户端工厂
//
// OpenDirect 绕过管理器的池化与重试逻辑，直接建立一条原始连接，
// 管理器自己的健康探测与池未命中时的建连都走这里，避免重入。
type Dialer interface {
	OpenDirect(ctx context.Context) (Conn, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context) (Conn, error)

// OpenDirect 实现 Dialer
func (f DialerFunc) OpenDirect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// QuoteIdentifier 用反引号转义标识符（库名、表名）
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
