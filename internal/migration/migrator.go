package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// 📂 内嵌 ClickHouse 迁移
// =============================================================================

//go:embed migrations/clickhouse/*.sql
var clickhouseFS embed.FS

const migrationsPath = "migrations/clickhouse"

// =============================================================================
// 📋 类型
// =============================================================================

// MigrationStatus 单个迁移相对当前版本的状态
type MigrationStatus struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty"`
}

// MigrationInfo 版本与计数汇总
type MigrationInfo struct {
	CurrentVersion    uint `json:"current_version"`
	Dirty             bool `json:"dirty"`
	TotalMigrations   int  `json:"total_migrations"`
	AppliedMigrations int  `json:"applied_migrations"`
	PendingMigrations int  `json:"pending_migrations"`
}

// Migrator defines the interface for analytics schema migrations
type Migrator interface {
	// Up applies all pending migrations
	Up(ctx context.Context) error

	// Down rolls back the last migration
	Down(ctx context.Context) error

	// Steps applies or rolls back n migrations
	// Positive n applies migrations, negative n rolls back
	Steps(ctx context.Context, n int) error

	// Goto migrates to a specific version
	Goto(ctx context.Context, version uint) error

	// Force sets the migration version without running migrations
	Force(ctx context.Context, version int) error

	// Version returns the current migration version
	Version(ctx context.Context) (uint, bool, error)

	// Status returns the status of all migrations
	Status(ctx context.Context) ([]MigrationStatus, error)

	// Info returns information about the current migration state
	Info(ctx context.Context) (*MigrationInfo, error)

	// Close closes the migrator and releases resources
	Close() error
}

// =============================================================================
// 🛠️ golang-migrate 实现
// =============================================================================

// DefaultMigrator implements Migrator using golang-migrate over the
// embedded ClickHouse migrations.
type DefaultMigrator struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *zap.Logger
}

// NewWithDriver creates a migrator on top of an existing golang-migrate
// database driver. db may be nil; when set it is closed by Close.
func NewWithDriver(driver database.Driver, db *sql.DB, lockTimeout time.Duration, logger *zap.Logger) (*DefaultMigrator, error) {
	if driver == nil {
		return nil, errors.New("database driver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	src, err := iofs.New(clickhouseFS, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", src, "clickhouse", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if lockTimeout > 0 {
		mig.LockTimeout = lockTimeout
	}

	l := logger.With(zap.String("component", "migration"))
	mig.Log = &migrateLogger{logger: l}

	return &DefaultMigrator{
		migrate: mig,
		db:      db,
		logger:  l,
	}, nil
}

// run executes fn and asks golang-migrate to stop after the current
// migration when ctx is cancelled.
func (m *DefaultMigrator) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// =============================================================================
// 🔄 版本变更
// =============================================================================

// Up 应用全部待执行迁移
func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.apply(ctx, "up", m.migrate.Up)
}

// Down 回滚最后一次迁移
func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.apply(ctx, "down", func() error { return m.migrate.Steps(-1) })
}

// Steps n > 0 时前进 n 步，n < 0 时回滚 -n 步
func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	return m.apply(ctx, "steps", func() error { return m.migrate.Steps(n) })
}

// Goto 迁移到指定版本
func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	return m.apply(ctx, "goto", func() error { return m.migrate.Migrate(version) })
}

// Force 只改写版本记录并清除 dirty 标记，不执行任何迁移
func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// apply 执行一次版本变更并记录变更前后的版本
func (m *DefaultMigrator) apply(ctx context.Context, action string, fn func() error) error {
	from, _, err := m.Version(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := m.run(ctx, fn); err != nil {
		m.logger.Error("migration failed",
			zap.String("action", action),
			zap.Uint("from_version", from),
			zap.Error(err),
		)
		return fmt.Errorf("migration %s failed: %w", action, err)
	}

	to, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("migration applied",
		zap.String("action", action),
		zap.Uint("from_version", from),
		zap.Uint("to_version", to),
		zap.Bool("dirty", dirty),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// =============================================================================
// 🔍 版本查询
// =============================================================================

// Version 返回当前版本，从未迁移时为 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Status 列出每个内嵌迁移相对当前版本的状态
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, migrations, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		statuses = append(statuses, MigrationStatus{
			Version: mig.version,
			Name:    mig.name,
			Applied: mig.version <= current,
			Dirty:   dirty && mig.version == current,
		})
	}
	return statuses, nil
}

// Info 返回版本与计数汇总
func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	current, dirty, migrations, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	info := &MigrationInfo{
		CurrentVersion:  current,
		Dirty:           dirty,
		TotalMigrations: len(migrations),
	}
	for _, mig := range migrations {
		if mig.version <= current {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

func (m *DefaultMigrator) snapshot(ctx context.Context) (uint, bool, []migrationFile, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return 0, false, nil, err
	}
	migrations, err := availableMigrations()
	if err != nil {
		return 0, false, nil, err
	}
	return current, dirty, migrations, nil
}

// Close 关闭 golang-migrate 实例以及 NewWithDriver 传入的 db
func (m *DefaultMigrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	errs := []error{sourceErr, dbErr}
	if m.db != nil {
		errs = append(errs, m.db.Close())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close migrator: %w", err)
	}
	return nil
}

// =============================================================================
// 📂 内嵌迁移
// =============================================================================

// migrationFile 一个内嵌迁移的版本与名称
type migrationFile struct {
	version uint
	name    string
}

// availableMigrations 通过 iofs source 按版本顺序列出内嵌迁移
func availableMigrations() ([]migrationFile, error) {
	src, err := iofs.New(clickhouseFS, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	var migrations []migrationFile
	version, err := src.First()
	for err == nil {
		var r io.ReadCloser
		var name string
		r, name, err = src.ReadUp(version)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %d: %w", version, err)
		}
		_ = r.Close()

		migrations = append(migrations, migrationFile{version: version, name: name})
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list embedded migrations: %w", err)
	}
	return migrations, nil
}

// migrateLogger 把 golang-migrate 的日志转到 zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool { return false }
