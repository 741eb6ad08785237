/*
Package persistence 提供工作流运行记录（workflow.RunRecord）的存储实现。

# 核心类型

  - MemoryRunStore：进程内存储，按容量淘汰最旧记录，适用于单机与测试。
  - RedisRunStore：基于 go-redis，记录以 JSON 存放，按工作流维护有序集合索引，
    支持可选 TTL。
  - GormRunStore：基于 GORM，兼容 PostgreSQL / MySQL / SQLite，
    首次使用时自动迁移 workflow_runs 表。

所有实现均满足 workflow.RunStore，ListRuns 按开始时间倒序返回。
*/
package persistence
