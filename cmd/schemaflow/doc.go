// Copyright (c) SchemaFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 SchemaFlow 服务端程序入口。

# 概述

cmd/schemaflow 是 SchemaFlow 的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry 链路追踪。

# 核心类型

  - Server      — 主服务器，管理依赖构建、HTTP 与 Metrics 双端口及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）、MaxBody、Owner
  - 调用方身份：由前置网关注入 X-User-ID 请求头
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 释放缓存与数据库 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
