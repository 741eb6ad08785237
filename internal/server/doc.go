// 版权所有 2026 AgentCanvas Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 agentcanvas 的 HTTP 监听器。

API 服务与 metrics 服务各持有一个 Manager。Start 同步完成证书加载
与端口监听，之后在后台提供服务；Shutdown 先排空请求，超过
ShutdownTimeout 仍有连接则强制关闭。服务异常退出时错误写入
Errors() 通道，由 cmd/agentcanvas 监听。信号处理不在本包。
*/
package server
