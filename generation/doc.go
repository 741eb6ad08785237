/*
包 generation 定义工作流节点调用的外部生成接口及其实现。

# 概述

引擎只依赖 [Client] 接口：请求包含 systemPrompt、userPrompt、model、
可选文件列表与检索/地图增强标记，响应为纯文本。任何非成功状态都以
*types.Error 返回，由节点执行器记为节点级错误，不会中止整个运行。

# 实现

  - [HTTPClient]：POST JSON 请求，读取纯文本响应体
  - [ProviderClient]：把 llm.Provider 适配为 Client

# 装饰器

  - [RetryClient]：对可重试错误做指数退避重试
  - [RateLimitedClient]：基于 x/time/rate 的令牌桶限流
  - [InstrumentedClient]：OTel span 与指标，并回调 [Observer]（Prometheus）
*/
package generation
