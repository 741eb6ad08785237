package api

import (
	"time"

	"github.com/BaSui01/agentcanvas/workflow"
)

// =============================================================================
// 工作流类型
// =============================================================================

// WorkflowSummary 工作流列表项
// @Description 工作流概要
type WorkflowSummary struct {
	// 工作流 ID
	ID string `json:"id" example:"wf-1"`
	// 工作流名称
	Name string `json:"name,omitempty" example:"Blog pipeline"`
	// 节点数量
	Nodes int `json:"nodes"`
	// 连线数量
	Edges int `json:"edges"`
	// 是否有运行正在进行
	Running bool `json:"running"`
	// 最近一次运行 ID
	LastRunID string `json:"last_run_id,omitempty"`
}

// ValidateResponse 校验结果
// @Description 工作流校验结果，列出全部违规项
type ValidateResponse struct {
	Valid      bool                 `json:"valid"`
	Violations []workflow.Violation `json:"violations,omitempty"`
}

// =============================================================================
// 运行类型
// =============================================================================

// RunRequest 启动运行请求
// @Description 启动一次完整运行
type RunRequest struct {
	// 覆盖全局变量的值
	Variables map[string]string `json:"variables,omitempty"`
	// 为 true 时立即返回 202，运行在后台进行
	Async bool `json:"async,omitempty" example:"false"`
	// 可选的运行 ID，缺省时自动生成
	RunID string `json:"run_id,omitempty"`
}

// RunAccepted 异步运行受理响应
// @Description 后台运行已受理
type RunAccepted struct {
	RunID      string `json:"run_id" example:"7f7c0c1e-5a2b-4e43-9d0b-6a0f6b0d2f11"`
	WorkflowID string `json:"workflow_id" example:"wf-1"`
	// 查询运行状态的地址
	StateURL string `json:"state_url"`
}

// ExecuteNodeRequest 单节点执行请求
// @Description 执行单个节点，可选择继续执行其后继节点
type ExecuteNodeRequest struct {
	Chain bool `json:"chain,omitempty"`
}

// RenameVariableRequest 节点变量重命名请求
type RenameVariableRequest struct {
	Name string `json:"name" example:"summary"`
}

// StateResponse 当前执行状态
// @Description 工作流当前的节点状态快照
type StateResponse struct {
	WorkflowID string               `json:"workflow_id"`
	RunID      string               `json:"run_id,omitempty"`
	Running    bool                 `json:"running"`
	InFlight   []string             `json:"in_flight"`
	Nodes      []workflow.NodeState `json:"nodes"`
	Timestamp  time.Time            `json:"timestamp"`
}

// LogsResponse 执行日志分页响应
// @Description 从 since 起的执行日志条目
type LogsResponse struct {
	RunID   string              `json:"run_id,omitempty"`
	Entries []workflow.LogEntry `json:"entries"`
	// 下一次轮询使用的 since 值
	Next int `json:"next"`
}

// CancelResponse 取消运行响应
type CancelResponse struct {
	Canceled bool   `json:"canceled"`
	RunID    string `json:"run_id,omitempty"`
}

// RunListResponse 运行记录列表
type RunListResponse struct {
	Runs []*workflow.RunRecord `json:"runs"`
}
