package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 把迁移结果写成人类可读文本或 JSON
type CLI struct {
	migrator Migrator
	output   io.Writer
	json     bool
}

// Outcome 变更类命令（up / down / steps / goto / force）执行后的版本状态
type Outcome struct {
	Action  string `json:"action"`
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
}

// NewCLI 创建输出到 stdout 的 CLI
func NewCLI(migrator Migrator) *CLI {
	return &CLI{
		migrator: migrator,
		output:   os.Stdout,
	}
}

// SetOutput 设置输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// SetJSON 切换为 JSON 输出，变更类命令不再打印进度提示
func (c *CLI) SetJSON(enabled bool) {
	c.json = enabled
}

// =============================================================================
// 🔄 变更类命令
// =============================================================================

// RunUp 应用全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "up", "Applying analytics schema migrations...", "Migrations complete.",
		c.migrator.Up)
}

// RunDown 回滚最后一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "down", "Rolling back last migration...", "Rollback complete.",
		c.migrator.Down)
}

// RunSteps n > 0 时前进 n 步，n < 0 时回滚 -n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	banner := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	return c.change(ctx, "steps", banner, "Complete.", func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.change(ctx, "goto", fmt.Sprintf("Migrating to version %d...", version), "Migration complete.",
		func(ctx context.Context) error {
			return c.migrator.Goto(ctx, version)
		})
}

// RunForce 强制设置版本并清除 dirty 标记，-1 表示清空版本
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.change(ctx, "force", "", fmt.Sprintf("Version forced to %d.", version),
		func(ctx context.Context) error {
			return c.migrator.Force(ctx, version)
		})
}

func (c *CLI) change(ctx context.Context, action, banner, done string, fn func(context.Context) error) error {
	if !c.json && banner != "" {
		fmt.Fprintln(c.output, banner)
	}

	if err := fn(ctx); err != nil {
		return fmt.Errorf("migrate %s failed: %w", action, err)
	}

	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	if c.json {
		return c.writeJSON(Outcome{Action: action, Version: version, Dirty: dirty})
	}
	fmt.Fprintf(c.output, "%s Current version: %d%s\n", done, version, dirtySuffix(dirty))
	return nil
}

// =============================================================================
// 🔍 查询类命令
// =============================================================================

// RunVersion 显示当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	switch {
	case c.json:
		return c.writeJSON(map[string]any{"version": version, "dirty": dirty})
	case version == 0:
		fmt.Fprintln(c.output, "No migrations applied yet.")
	default:
		fmt.Fprintf(c.output, "Current version: %d%s\n", version, dirtySuffix(dirty))
	}
	return nil
}

// RunStatus 列出每个迁移的应用状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	if c.json {
		return c.writeJSON(map[string]any{"migrations": statuses, "summary": info})
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, s.label())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo 显示版本与计数汇总
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	if c.json {
		return c.writeJSON(info)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}

func (c *CLI) writeJSON(v any) error {
	enc := json.NewEncoder(c.output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (s MigrationStatus) label() string {
	switch {
	case s.Dirty:
		return "Dirty"
	case s.Applied:
		return "Applied"
	default:
		return "Pending"
	}
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}
