// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 structured 实现 Schema 约束下的结构化补全编排。

# 概述

模型输出往往夹杂解释文字，或不满足调用方给出的 JSON Schema。本包把一次
补全请求展开为"调用 → 提取 → 校验 → 反馈 → 重试"的有界循环，直到得到
满足 Schema 的 JSON 值，或在重试预算耗尽后按 Strict 决定返回错误还是
尽力而为的结果。

# 核心组件

  - [Orchestrator]：驱动重试循环，每次调用独立顺序执行，可并发使用
  - [Extract]：从模型文本中定位并解析 JSON（先取首个 { 到末个 } 的片段）
  - [JSONSchemaCompiler]：Draft 2020-12 编译器，按内容哈希缓存编译结果
  - [BuildInstructionMessage] / [BuildFeedbackMessage]：指令与纠错提示
  - [JSONModeAllowList]：按模型名前缀决定是否附带 JSON 输出模式提示
  - [Transition]：尝试状态机，终态吸收

# 重试语义

解析失败、校验失败与 Provider 失败共享同一重试预算 MaxRetries，总调用次数
最多 MaxRetries+1。只有校验失败会在下一次调用前追加纠错消息；解析失败直接
重试。Provider 失败耗尽预算时总是返回 PROVIDER_ERROR，与 Strict 无关。

# 使用方式

	o, err := structured.NewOrchestrator(provider, structured.NewCompiler(),
		structured.WithResolver(store),
		structured.WithMetrics(collector),
	)
	result, err := o.Complete(ctx, &structured.Request{
		Messages: msgs,
		Model:    "gpt-4o-mini",
		Schema:   schema,
		Strict:   true,
	})
*/
package structured
