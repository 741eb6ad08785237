// Package tlsutil 集中管理 TLS 设置：出站连接（生成端点、LLM Provider、Redis）
// 与 API 服务器统一使用 TLS 1.2+ 与 AEAD 密码套件，并支持为内网生成服务追加 CA。
package tlsutil
