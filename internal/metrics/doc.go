// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 把服务的 Prometheus 指标集中在一个 Collector 中。

Collector 注册到调用方传入的 Registerer，测试用独立的 prometheus.Registry
隔离。指标分三组：

  - http_*：按路由模板与状态类别（2xx/4xx/...）统计请求数、耗时与报文大小。
  - structured_* 与 llm_tokens_used_total：每次尝试的结果与耗时、
    每次补全的终态与重试次数，以及累计 token。
  - schema_*：Schema 存储按操作与结果码计数和计时。
*/
package metrics
