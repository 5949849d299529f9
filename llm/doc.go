// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义结构化补全所依赖的大语言模型接入契约。

# 概述

本包屏蔽不同模型服务商在接口、鉴权与错误语义上的差异，对上层暴露一致的
请求与响应模型。具体的 HTTP 实现位于 providers/openaicompat 子包。

# 核心接口

  - [Provider]：LLM 提供者接口，提供 Completion / Name
  - [HealthChecker]：可选的健康检查接口

# 核心类型

  - [ChatRequest] / [ChatResponse]：统一的请求与响应
  - [ChatUsage]：token 用量，支持 Add 累加
  - [ResponseFormat]：JSON 输出模式提示（尽力而为）
  - [Error] / [ErrorCode]：上游错误语义，含 HTTPStatus 与 Retryable
*/
package llm
