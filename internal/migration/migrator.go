package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	// 纯 Go SQLite 驱动，注册名为 "sqlite"，与 glebarez/sqlite 共用同一引擎
	_ "github.com/glebarez/go-sqlite"
)

// 每种方言一个目录：migrations/<type>/NNNNNN_name.{up,down}.sql
//
//go:embed migrations
var embedded embed.FS

// DatabaseType 迁移目标数据库
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// dialect 描述一种数据库的 database/sql 驱动名与 golang-migrate 驱动构造方式
type dialect struct {
	sqlDriver string
	wrap      func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		sqlDriver: "postgres",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeMySQL: {
		sqlDriver: "mysql",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeSQLite: {
		// sqlite3 驱动只通过 *sql.DB 执行 SQL，底层连接来自纯 Go 驱动
		sqlDriver: "sqlite",
		wrap: func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
		},
	},
}

// MigrationStatus 单个迁移文件的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo 迁移状态汇总
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType

	// DatabaseURL 由 BuildDatabaseURL 生成，格式随 DatabaseType 变化
	DatabaseURL string

	// MigrationsPath 非空时从磁盘读取 <path>/<type>/ 下的文件，替代内嵌迁移
	MigrationsPath string

	// TableName 默认 schema_migrations
	TableName string

	// LockTimeout 默认 15s
	LockTimeout time.Duration

	Logger *zap.Logger
}

// source 返回迁移文件所在的文件系统与目录
func (c *Config) source() (fs.FS, string, error) {
	if _, ok := dialects[c.DatabaseType]; !ok {
		return nil, "", fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
	if c.MigrationsPath != "" {
		return os.DirFS(c.MigrationsPath), string(c.DatabaseType), nil
	}
	return embedded, GetMigrationsPath(c.DatabaseType), nil
}

// Migrator schema_resources / schema_versions 两张表的迁移操作
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	DownAll(ctx context.Context) error
	// Steps n > 0 前进 n 步，n < 0 回退 |n| 步
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	// Force 只改写版本记录，不执行 SQL
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// DefaultMigrator 基于 golang-migrate 的 Migrator 实现
type DefaultMigrator struct {
	config  *Config
	migrate *migrate.Migrate
}

// NewMigrator 打开数据库并构造 golang-migrate 实例
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case cfg.DatabaseURL == "":
		return nil, errors.New("database URL is required")
	}
	d, ok := dialects[cfg.DatabaseType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}

	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 15 * time.Second
	}

	mg, err := newMigrate(cfg, d)
	if err != nil {
		return nil, fmt.Errorf("initialize migrator: %w", err)
	}
	return &DefaultMigrator{config: cfg, migrate: mg}, nil
}

func newMigrate(cfg *Config, d dialect) (*migrate.Migrate, error) {
	db, err := sql.Open(d.sqlDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := d.wrap(db, cfg.TableName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database driver: %w", err)
	}

	fsys, dir, err := cfg.source()
	if err != nil {
		driver.Close()
		return nil, err
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, string(cfg.DatabaseType), driver)
	if err != nil {
		src.Close()
		driver.Close()
		return nil, err
	}
	mg.LockTimeout = cfg.LockTimeout
	if cfg.Logger != nil {
		mg.Log = &migrateLogger{logger: cfg.Logger.With(zap.String("component", "migration"))}
	}
	return mg, nil
}

// run 执行一次迁移操作。ctx 取消时请求 golang-migrate 在当前文件完成后停止，
// ErrNoChange 视为成功
func (m *DefaultMigrator) run(ctx context.Context, op string, fn func(*migrate.Migrate) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		select {
		case m.migrate.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := fn(m.migrate); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", op, err)
	}
	return nil
}

func (m *DefaultMigrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", (*migrate.Migrate).Up)
}

func (m *DefaultMigrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mg *migrate.Migrate) error { return mg.Steps(-1) })
}

func (m *DefaultMigrator) DownAll(ctx context.Context) error {
	return m.run(ctx, "down all", (*migrate.Migrate).Down)
}

func (m *DefaultMigrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return m.run(ctx, "steps", func(mg *migrate.Migrate) error { return mg.Steps(n) })
}

func (m *DefaultMigrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, "goto", func(mg *migrate.Migrate) error { return mg.Migrate(version) })
}

func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	return m.run(ctx, "force", func(mg *migrate.Migrate) error { return mg.Force(version) })
}

// Version 尚未应用任何迁移时返回 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Status 按版本号升序列出全部迁移文件
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.getAvailableMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, len(files))
	for i, f := range files {
		statuses[i] = MigrationStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		}
	}
	return statuses, nil
}

func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	info := &MigrationInfo{CurrentVersion: current, Dirty: dirty, TotalMigrations: len(statuses)}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close 关闭迁移源与数据库连接
func (m *DefaultMigrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	srcErr, dbErr := m.migrate.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return fmt.Errorf("close migrator: %w", err)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

func (m *DefaultMigrator) getAvailableMigrations() ([]migrationFile, error) {
	fsys, dir, err := m.config.source()
	if err != nil {
		return nil, err
	}
	return listMigrations(fsys, dir)
}

// listMigrations 从 *.up.sql 文件名解析版本号与名称，忽略无法解析的文件
func listMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".up.sql")
		if entry.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: uint(version), name: name})
	}

	slices.SortFunc(files, func(a, b migrationFile) int { return int(a.version) - int(b.version) })
	return slices.CompactFunc(files, func(a, b migrationFile) bool { return a.version == b.version }), nil
}

// ParseDatabaseType 接受常见别名，大小写不敏感
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	}
	return "", fmt.Errorf("unsupported database type: %s", s)
}

// BuildDatabaseURL 拼接迁移用连接串。MySQL 需要 multiStatements 才能执行多语句迁移文件；
// SQLite 的 database 参数是文件路径
func BuildDatabaseURL(dbType DatabaseType, host string, port int, database, username, password, sslMode string) string {
	switch dbType {
	case DatabaseTypePostgres:
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", username, password, host, port, database, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true", username, password, host, port, database)
	case DatabaseTypeSQLite:
		return "file:" + database + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return ""
}

// GetMigrationsPath 内嵌迁移目录，embed 路径始终使用正斜杠
func GetMigrationsPath(dbType DatabaseType) string {
	return path.Join("migrations", string(dbType))
}

// migrateLogger 将 golang-migrate 的日志转到 zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool { return false }
