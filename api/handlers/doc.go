// Copyright (c) AgentCanvas Authors.
// Licensed under the MIT License.

/*
Package handlers 实现 AgentCanvas 的 HTTP API。

WorkflowHandler 负责定义的增删改查、校验、整体运行、单节点执行、
取消、状态与日志查询以及 WebSocket 事件流；RunHandler 查询已完成的
运行记录；HealthHandler 提供存活与就绪探针，依赖项通过 HealthCheck
接入（PingCheck 适配 Redis 与数据库）。

所有响应使用 Response 信封。错误经 types.HTTPStatusFor 映射状态码，
校验失败返回 422 并列出全部违规项，上游限流时带 Retry-After。
请求体限制 1 MB，JSON 严格解码，定义导入按 Content-Type 区分 JSON
与 YAML。已有运行时再次启动返回 409；async 运行立即返回 202，
不随请求取消。
*/
package handlers
