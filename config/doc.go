// Package config 提供 AgentCanvas 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AGENTCANVAS_ 环境变量 的顺序加载，
// 并提供工作流定义文件的轮询监听，用于运行时重新加载定义。
package config
