/*
包 llm 定义对话模型的接入抽象：[Provider] 接口、请求/响应模型与
服务商无关的错误分类 [Error]。

生成节点与决策节点经由 generation.ProviderClient 调用 Provider，
Provider 只负责一次非流式对话，重试、熔断与限流由 generation 包的
装饰器完成。[ErrorFromStatus] 与 [ParseRetryAfter] 供各实现把 HTTP
响应映射为 *Error。

具体实现见 llm/providers/openaicompat。
*/
package llm
