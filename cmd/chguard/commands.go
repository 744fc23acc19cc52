package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/connection"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/internal/migration"
	"github.com/BaSui01/chguard/startup"
)

// options 命令共享的依赖，测试时替换为模拟实现
type options struct {
	configPath string

	newLogger   func(cfg config.LogConfig) *zap.Logger
	newDialer   func(cfg config.ClickHouseConfig, logger *zap.Logger) chclient.Dialer
	newMigrator func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (migration.Migrator, error)
}

func defaultOptions() *options {
	return &options{
		newLogger: initLogger,
		newDialer: func(cfg config.ClickHouseConfig, logger *zap.Logger) chclient.Dialer {
			return chclient.NewNativeDialer(cfg, logger)
		},
		newMigrator: func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (migration.Migrator, error) {
			return migration.NewMigratorFromConfig(ctx, cfg, logger)
		},
	}
}

// loadConfig 加载并验证配置
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(o.configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🌳 根命令
// =============================================================================

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "chguard",
		Short: "Resilient ClickHouse connection guard",
		Long: `chguard guards access to ClickHouse: retry with backoff, circuit breaking,
pooling, background health monitoring and startup dependency checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// 🩺 check 命令
// =============================================================================

func newCheckCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the startup sequence once and print the result as JSON",
		Long: `Connects with retry, validates service dependencies and audits analytics
tables. Exits 0 when dependencies are ready, 1 otherwise. Analytics
inconsistencies are reported as warnings and do not fail the check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.newLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			manager := connection.New(cfg.ClickHouse, opts.newDialer(cfg.ClickHouse, logger),
				connection.WithLogger(logger),
			)
			result := startup.New(manager, logger).Run(ctx)
			if err := manager.Shutdown(cmd.Context()); err != nil {
				logger.Warn("connection manager shutdown failed", zap.Error(err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}

			if !result.Ready {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline for the check (0 = none)")
	return cmd
}

// =============================================================================
// 📋 version 命令
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chguard %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}
