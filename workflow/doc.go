// Copyright (c) AgentCanvas Authors.
// Licensed under the MIT License.

/*
Package workflow 提供画布工作流的执行引擎。

# 概述

工作流由节点（generate、decision、files、note）、带 handle 的边和全局变量
组成。Engine 对一次运行负责：校验、状态重置、从起始节点深度优先遍历、
逐个调用生成服务，并把结果写回运行期状态与执行日志。

# 核心类型

  - Definition：工作流文档，支持 JSON / YAML 导入导出与结构检查
  - Graph：不可变图快照：Incoming / Outgoing / Reachable / Upstream
  - Resolver：{{name}} 变量解析，单次替换，结果幂等
  - Planner：起始节点、generate 软门控、decision 硬门控、后继选择
  - Route：decision 输出到分支 handle 的映射（精确 → else → 包含 → else）
  - NodeExecutor：processing 占位 → 调用 → completed / error，必定落定
  - Guard：节点在途集合 + 单次运行标记，重复触发无害
  - Engine：Run / ExecuteNode / Cancel / Subscribe / RenameVariable

# 运行语义

  - 同一时刻最多一个节点在执行，唯一的挂起点是生成调用
  - 取消运行只停止调度，在途调用照常落定
  - 单个节点失败不会中止运行；运行记录通过 RunStore 持久化
*/
package workflow
