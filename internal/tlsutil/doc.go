// Package tlsutil 集中管理 SchemaFlow 的 TLS 设置：上游补全服务的 HTTP 客户端、
// HTTPS 监听与 Redis 连接均使用 TLS 1.2+ 且仅限 AEAD 密码套件。
package tlsutil
