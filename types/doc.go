// Copyright (c) AgentCanvas Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentcanvas 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、generation、
persistence、api 等上层模块提供统一的错误契约，避免循环依赖。

# 核心类型

  - ErrorCode：统一错误码（请求、工作流、生成调用三组）
  - Error：结构化错误（Code、Message、HTTPStatus、Retryable、Provider、RetryAfter、Cause）

# 辅助函数

  - NewError / WithCause / WithHTTPStatus / WithRetryable / WithRetryAfter / WithProvider：链式构造
  - AsError / GetErrorCode / IsRetryable / RetryAfterOf：沿错误链提取结构化信息
  - HTTPStatusFor：错误码到默认 HTTP 状态码的映射
*/
package types
