package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chmigrate "github.com/golang-migrate/migrate/v4/database/clickhouse"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/retry"
)

// DefaultLockTimeout 获取迁移锁的默认超时
const DefaultLockTimeout = 15 * time.Second

// NewMigratorFromConfig 创建连接到配置中 ClickHouse 的迁移器
//
// 建驱动前先按 clickhouse.retry 的退避策略 ping，服务刚启动时不会立即失败。
func NewMigratorFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.ClickHouse.ValidateConnection(); err != nil {
		return nil, err
	}

	opts := chclient.Options(cfg.ClickHouse)
	// 迁移走 database/sql 接口，需要多于一条连接以支持加锁与执行并行
	opts.MaxOpenConns = 2
	opts.MaxIdleConns = 1
	db := clickhouse.OpenDB(opts)

	if logger == nil {
		logger = zap.NewNop()
	}
	retryer := retry.NewBackoffRetryer(retry.FromConfig(cfg.ClickHouse.Retry),
		logger.With(zap.String("component", "migration")))
	if err := retryer.Do(ctx, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse not reachable: %w", err)
	}

	tableName := cfg.Migration.TableName
	if tableName == "" {
		tableName = "schema_migrations"
	}

	driver, err := chmigrate.WithInstance(db, &chmigrate.Config{
		DatabaseName:          cfg.ClickHouse.Database,
		ClusterName:           cfg.Migration.ClusterName,
		MigrationsTable:       tableName,
		MultiStatementEnabled: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	return NewWithDriver(driver, db, DefaultLockTimeout, logger)
}
