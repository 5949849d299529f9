// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 SchemaFlow 的 HTTP 监听生命周期。

Manager 封装 net/http.Server，提供非阻塞 Start/StartTLS、带超时的
优雅关闭以及异步错误通道。serve 命令为业务 API 与 Prometheus
metrics 各创建一个 Manager，收到信号或任一服务出错时统一关闭。
TLS 模式使用 tlsutil 的加固配置（TLS 1.2+，仅 AEAD 密码套件）。
*/
package server
