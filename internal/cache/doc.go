// 版权所有 2026 AgentCanvas Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理进程共享的 Redis 连接，供运行记录的 Redis 存储复用。

# 核心类型

  - Manager：持有 go-redis 客户端。Open 建连并 Ping 校验，Close 可重复调用，
    关闭后 Ping 返回 ErrClosed。
  - Options：连接参数，零值字段取默认值。
  - Stats：一次探活与连接池统计（命中、未命中、超时）的快照。
  - Monitor：按间隔探活并上报 Stats，健康状态翻转时记录日志。

SlowCommandThreshold 为正时，客户端挂载一个 redis.Hook，
把超过阈值的命令与流水线以 warn 级别写入 zap。
启用 TLS 时使用 internal/tlsutil 的客户端 TLS 配置。
*/
package cache
