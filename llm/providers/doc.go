// Copyright 2026 SchemaFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 providers 收拢 OpenAI 兼容协议的线上结构与转换函数，具体的 HTTP
客户端在 openaicompat 子包。

上游错误统一经 MapHTTPError 转成带 Retryable 标记的 llm.Error：
429、408/504 与 529 可重试，401/403/400 不可重试，其余 5xx 可重试。
错误响应体最多读取 64 KiB。

模型选择顺序为 请求指定 → Provider 默认 → 兜底模型，见 ChooseModel。
*/
package providers
