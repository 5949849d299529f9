// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 SchemaFlow 的配置加载功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量名由前缀与 env 标签拼接而成，例如
// SCHEMAFLOW_SERVER_HTTP_PORT、SCHEMAFLOW_SCHEMAS_DELETE_POLICY。
//
// 本包只描述配置本身，不依赖任何业务包；各组件的配置转换在 cmd 中完成。
package config
