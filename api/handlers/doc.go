// Copyright (c) SchemaFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SchemaFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 Schema 资源管理、结构化补全与健康检查的
HTTP 端点，以及统一的响应/错误处理。所有 Handler 均遵循标准
net/http 接口，路由使用 Go 1.22 的方法与路径通配模式注册。

# 核心类型

  - SchemaHandler      — Schema 资源 CRUD、版本列表、恢复、对比与派生
  - StructuredHandler  — 结构化补全（校验失败时带反馈重试）
  - HealthHandler      — 服务健康检查（/health, /healthz, /ready）
  - Response           — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo          — 结构化错误信息，含 code、message、details
  - HealthCheck        — 可插拔健康检查接口（Database、Redis、LLM）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteCreated / WriteError / WriteErrorFrom
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码映射由 types.DefaultHTTPStatus 决定
  - 非 types.Error 的错误统一返回 INTERNAL_ERROR，不暴露内部原因
  - 调用方身份取自 X-User-ID 请求头
*/
package handlers
