// 版权所有 2026 SchemaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，承载 Schema 版本快照缓存。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期（初始化 Ping、后台健康检查、
优雅关闭）与字符串 / JSON 两种模式的读写。VersionCache 在其上按
schemaflow:version:{id}:{version} 键缓存不可变的版本快照，供 Restore 与
Compare 读取。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete/Ping 与 GetJSON/SetJSON
  - Config：地址、密码、TLS 开关、连接池大小、默认 TTL 与健康检查间隔
  - VersionCache：版本快照缓存，实现 schemastore.VersionCache

# 错误语义

未命中返回 ErrCacheMiss，使用 IsCacheMiss 判断；关闭后的调用返回 ErrClosed。
其余错误由调用方记录后回退到数据库。
*/
package cache
