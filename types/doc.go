// Copyright (c) SchemaFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 SchemaFlow 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、structured、
schemastore、api 等上层模块提供统一的类型契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Details
  - Message / Role    — 对话消息（system / user / assistant）

# 错误码

  - SCHEMA_INVALID / RESOURCE_NOT_FOUND / VERSION_NOT_FOUND / VERSION_CONFLICT
  - PARSE_ERROR / VALIDATION_FAILED / PROVIDER_ERROR
  - INVALID_REQUEST / INTERNAL_ERROR

# 错误工具链

  - AsError / IsCode / GetErrorCode / IsRetryable
  - DefaultHTTPStatus：错误码到 HTTP 状态码的默认映射
*/
package types
