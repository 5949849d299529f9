// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 schema_resources 与 schema_versions 两张表的版本化
建表脚本，支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌，也可以用 Config.MigrationsPath
指向磁盘目录覆盖。schema_versions 上的 (resource_id, version) 唯一索引
是 schemastore 乐观并发控制的最后一道防线；两表之间不建外键，
retain 删除策略需要在资源删除后保留历史。

# 核心接口与类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例与数据库连接。
  - CLI：面向终端的格式化输出，由 schemaflow migrate 子命令使用。

# 工厂函数

NewMigratorFromConfig、NewMigratorFromDatabaseConfig 与 NewMigratorFromURL
从不同配置源创建迁移器。SQLite 使用纯 Go 驱动，无需 CGO。
*/
package migration
