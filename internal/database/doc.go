// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开 SchemaFlow 的关系库连接并管理连接池。

Open 根据 config.DatabaseConfig 选择 postgres、mysql 或纯 Go 的
sqlite 驱动，GORM 日志经 zap 输出。PoolManager 调整 database/sql
连接池参数，后台定时探活，并为 /health/ready 提供 Ping 与统计信息。
*/
package database
