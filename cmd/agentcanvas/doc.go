// Copyright (c) AgentCanvas Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentCanvas 服务端与命令行入口。

# 概述

cmd/agentcanvas 是工作流执行引擎的可执行入口，提供 HTTP API 服务、
终端内单次运行、定义校验、健康检查和版本查询等子命令。程序支持
YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集、
OpenTelemetry 链路追踪以及工作流定义文件热加载。

# 核心类型

  - Server：主服务器，管理 API、Metrics 双端口及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - runBackend：运行记录存储（memory / redis / database）及其连接
  - workflowFiles：定义文件与工作流 id 的映射，响应文件变更

# 主要能力

  - 子命令：serve、run、validate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    CORS、RateLimiter（基于 IP）、OTelTracing、MetricsMiddleware
  - 生成客户端组装：HTTP 端点或 OpenAI 兼容 Provider，外加重试、限流与观测
  - run 子命令：逐行询问 askBeforeRun 变量，--var 覆盖，执行日志写入 stderr
  - 优雅关闭：取消运行 → 停止监听 → 关闭 HTTP/Metrics → 关闭存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
