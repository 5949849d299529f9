package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/schemaflow/config"
	"github.com/BaSui01/schemaflow/internal/migration"
	"go.uber.org/zap"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateAction 在已创建的 CLI 上执行一个迁移子命令
type migrateAction func(ctx context.Context, cli *migration.CLI) error

// cliMethod 将 CLI 的方法表达式适配为 migrateAction
func cliMethod(f func(*migration.CLI, context.Context) error) migrateAction {
	return func(ctx context.Context, cli *migration.CLI) error { return f(cli, ctx) }
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	var (
		action   migrateAction
		failText string
	)

	switch subcommand {
	case "up":
		action, failText = cliMethod((*migration.CLI).RunUp), "Migration failed"
	case "down":
		fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
		all := fs.Bool("all", false, "Rollback all migrations")
		runWithMigrator(fs, subargs, "Migration rollback failed", func(ctx context.Context, cli *migration.CLI) error {
			if *all {
				return cli.RunDownAll(ctx)
			}
			return cli.RunDown(ctx)
		})
		return
	case "status":
		action, failText = cliMethod((*migration.CLI).RunStatus), "Failed to get status"
	case "version":
		action, failText = cliMethod((*migration.CLI).RunVersion), "Failed to get version"
	case "info":
		action, failText = cliMethod((*migration.CLI).RunInfo), "Failed to get info"
	case "goto":
		version := parseVersionArg(subargs, "goto")
		runWithMigrator(flag.NewFlagSet("migrate goto", flag.ExitOnError), subargs[1:], "Migration failed",
			func(ctx context.Context, cli *migration.CLI) error { return cli.RunGoto(ctx, uint(version)) })
		return
	case "force":
		version := parseVersionArg(subargs, "force")
		runWithMigrator(flag.NewFlagSet("migrate force", flag.ExitOnError), subargs[1:], "Force failed",
			func(ctx context.Context, cli *migration.CLI) error { return cli.RunForce(ctx, int(version)) })
		return
	case "reset":
		action, failText = cliMethod((*migration.CLI).RunDownAll), "Reset failed"
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}

	runWithMigrator(flag.NewFlagSet("migrate "+subcommand, flag.ExitOnError), subargs, failText, action)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  schemaflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all to rollback everything)
  status    Show migration status
  version   Show current migration version
  info      Show migration summary
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  schemaflow migrate up
  schemaflow migrate up --config /etc/schemaflow/config.yaml
  schemaflow migrate down
  schemaflow migrate status
  schemaflow migrate goto 1
  schemaflow migrate force 0
  schemaflow migrate reset`)
}

// parseVersionArg 解析 goto/force 的版本号参数
func parseVersionArg(args []string, sub string) int64 {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: schemaflow migrate %s <version>\n", sub)
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || (sub == "goto" && version < 0) {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}
	return version
}

// runWithMigrator 创建迁移器，执行 action，失败时以非零状态退出
func runWithMigrator(fs *flag.FlagSet, args []string, failText string, action migrateAction) {
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	err = action(context.Background(), migration.NewCLI(migrator))
	migrator.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", failText, err)
		os.Exit(1)
	}
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// If db-type and db-url are provided, use them directly
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL, zap.NewNop())
	}

	// Otherwise, load from config
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override database type if specified
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	logger := initLogger(cfg.Log)
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}
