package migration

import (
	"errors"
	"fmt"

	appconfig "github.com/BaSui01/schemaflow/config"
	"go.uber.org/zap"
)

const defaultMigrationsTable = "schema_migrations"

// NewMigratorFromConfig 使用应用配置中的 database 段
func NewMigratorFromConfig(cfg *appconfig.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// NewMigratorFromDatabaseConfig 按 driver 拼接连接串。sqlite 时 Name 为文件路径，
// mysql 不使用 SSLMode
func NewMigratorFromDatabaseConfig(db appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	url := BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, db.SSLMode)
	if dbType == DatabaseTypeMySQL {
		url = BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, "")
	}
	return newFromURL(dbType, url, logger)
}

// NewMigratorFromURL 供 `migrate --db-type --db-url` 使用
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return newFromURL(dt, dbURL, logger)
}

func newFromURL(dbType DatabaseType, url string, logger *zap.Logger) (*DefaultMigrator, error) {
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
		TableName:    defaultMigrationsTable,
		Logger:       logger,
	})
}
