package chclient

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"strconv"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/internal/tlsutil"
	"github.com/BaSui01/chguard/types"
)

// =============================================================================
// 🔌 原生协议 Dialer
// =============================================================================

// NativeDialer 基于 clickhouse-go 原生协议的客户端工厂
type NativeDialer struct {
	cfg    config.ClickHouseConfig
	logger *zap.Logger
}

// NewNativeDialer 创建原生协议 Dialer
func NewNativeDialer(cfg config.ClickHouseConfig, logger *zap.Logger) *NativeDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeDialer{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "clickhouse_dialer")),
	}
}

// Options 构造 clickhouse-go 连接选项
func Options(cfg config.ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		// 每个句柄只对应一条物理连接，池化由上层 ConnectionPool 负责
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	if cfg.Secure {
		opts.TLS = tlsutil.ClientConfig(cfg.Host)
	}
	if cfg.Compression == "lz4" {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts
}

// OpenDirect 实现 Dialer：建立连接并完成一次 Ping 握手
func (d *NativeDialer) OpenDirect(ctx context.Context) (Conn, error) {
	conn, err := clickhouse.Open(Options(d.cfg))
	if err != nil {
		return nil, types.NewError(types.ErrConnection, "failed to open clickhouse connection").
			WithCause(err).
			WithRetryable(true)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, types.NewError(types.ErrConnection, "clickhouse handshake failed").
			WithCause(err).
			WithRetryable(true)
	}

	d.logger.Debug("clickhouse connection opened",
		zap.String("addr", net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))),
		zap.String("database", d.cfg.Database),
	)

	return &nativeConn{conn: conn}, nil
}

// nativeConn 包装 driver.Conn
type nativeConn struct {
	conn driver.Conn
}

func (c *nativeConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *nativeConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := rows.Columns()
	columnTypes := rows.ColumnTypes()

	var result []Row
	for rows.Next() {
		dest := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *nativeConn) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *nativeConn) Close() error {
	return c.conn.Close()
}
