package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BaSui01/chguard/internal/migration"
)

// =============================================================================
// Analytics Schema Migration Commands
// =============================================================================

func newMigrateCmd(opts *options) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse analytics schema",
		Long: `Applies the embedded analytics schema migrations (analytics_events,
analytics_sessions, analytics_search_queries) to the configured database.`,
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	// withCLI 创建迁移器并在命令结束后关闭
	withCLI := func(fn func(ctx context.Context, cli *migration.CLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.newLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			migrator, err := opts.newMigrator(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer func() { _ = migrator.Close() }()

			cli := migration.NewCLI(migrator)
			cli.SetOutput(cmd.OutOrStdout())
			cli.SetJSON(jsonOutput)
			return fn(cmd.Context(), cli, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunUp(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunDown(ctx)
			}),
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply (n > 0) or rollback (n < 0) n migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				return cli.RunSteps(ctx, n)
			}),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return cli.RunGoto(ctx, uint(v))
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set the migration version (clears the dirty flag)",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < -1 {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return cli.RunForce(ctx, v)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunVersion(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunStatus(ctx)
			}),
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show migration counts",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(ctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunInfo(ctx)
			}),
		},
	)
	return cmd
}
