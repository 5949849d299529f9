// Package telemetry 初始化 OpenTelemetry 的 trace 与 metric 导出（OTLP/gRPC）。
//
// 结构化补全的每次调用与每次尝试各对应一个 span；HTTP 入口 span 由
// cmd/schemaflow 的中间件创建。遥测关闭时不连接任何外部服务。
package telemetry
