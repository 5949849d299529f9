package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// =============================================================================
// 🖥️ 迁移命令输出
// =============================================================================

// CLI 把 Migrator 的操作包装成 `schemaflow migrate` 子命令，负责人类可读的输出
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 替换输出目标（测试中写入 buffer）
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// apply 执行一次变更并打印执行后的版本
func (c *CLI) apply(ctx context.Context, start, done string, op func(context.Context) error) error {
	c.printf("%s\n", start)
	if err := op(ctx); err != nil {
		return err
	}
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version after migrate: %w", err)
	}
	c.printf("%s Current version: %d%s\n", done, version, dirtySuffix(dirty))
	return nil
}

// RunUp 应用全部未执行的迁移
func (c *CLI) RunUp(ctx context.Context) error {
	if err := c.apply(ctx, "Applying schema store migrations...", "Up to date.", c.migrator.Up); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	if err := c.apply(ctx, "Rolling back the latest migration...", "Rolled back.", c.migrator.Down); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// RunDownAll 回滚全部迁移，会删除 schema_resources 与 schema_versions 表
func (c *CLI) RunDownAll(ctx context.Context) error {
	c.printf("Rolling back every migration (schema tables will be dropped)...\n")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("migrate reset: %w", err)
	}
	c.printf("All migrations rolled back.\n")
	return nil
}

// RunSteps n > 0 前进，n < 0 回退
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	start := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		start = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	step := func(ctx context.Context) error { return c.migrator.Steps(ctx, n) }
	if err := c.apply(ctx, start, "Done.", step); err != nil {
		return fmt.Errorf("migrate steps %d: %w", n, err)
	}
	return nil
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	target := func(ctx context.Context) error { return c.migrator.Goto(ctx, version) }
	if err := c.apply(ctx, fmt.Sprintf("Migrating to version %d...", version), "Done.", target); err != nil {
		return fmt.Errorf("migrate goto %d: %w", version, err)
	}
	return nil
}

// RunForce 强制写入版本号并清除 dirty 标记，不执行任何 SQL
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	c.printf("Version forced to %d.\n", version)
	return nil
}

// RunVersion 打印当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	if version == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	c.printf("Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

// RunStatus 以表格列出每个迁移文件的状态，末尾附汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	applied := 0
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE")
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, s.state())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c.printf("\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

// RunInfo 打印 MigrationInfo 汇总
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("migrate info: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintln(tw, "Schema store migrations:")
	fmt.Fprintf(tw, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(tw, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(tw, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}

func (s MigrationStatus) state() string {
	switch {
	case s.Dirty:
		return "dirty"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}
