// 版权所有 2026 AgentCanvas Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、
工作流运行、节点执行、生成服务与数据库连接。

# 概述

每个 Collector 持有独立的 prometheus.Registry，并额外注册 Go 运行时
与进程指标，Handler 直接用于 /metrics 端点。Collector 同时实现
workflow.RunObserver 与 generation.Observer，可直接注入引擎与生成客户端。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：运行总数与耗时（按 status），节点执行总数与耗时
    （按 kind/state），并发守卫拒绝次数（按 scope）。
  - 生成服务指标：请求总数与耗时，按 model/status 分组；熔断器状态 Gauge。
  - 数据库指标：探活结果、按状态划分的连接数与等待次数。
*/
package metrics
