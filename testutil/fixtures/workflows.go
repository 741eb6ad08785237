// Package fixtures 提供测试用的工作流定义与运行记录样例。
package fixtures

import (
	"time"

	"github.com/BaSui01/agentcanvas/workflow"
)

// =============================================================================
// 🧩 节点与边构造
// =============================================================================

// GenerateNode 创建生成节点
func GenerateNode(id, userPrompt, variableName string) workflow.Node {
	return workflow.Node{
		ID:   id,
		Kind: workflow.NodeGenerate,
		Data: workflow.NodeData{
			UserPrompt:   userPrompt,
			VariableName: variableName,
		},
	}
}

// DecisionNode 创建决策节点
func DecisionNode(id, instructions string, choices ...string) workflow.Node {
	return workflow.Node{
		ID:   id,
		Kind: workflow.NodeDecision,
		Data: workflow.NodeData{
			Instructions: instructions,
			Choices:      choices,
		},
	}
}

// FilesNode 创建文件节点
func FilesNode(id string, files ...workflow.FileRef) workflow.Node {
	return workflow.Node{
		ID:   id,
		Kind: workflow.NodeFiles,
		Data: workflow.NodeData{SelectedFiles: files},
	}
}

// NoteNode 创建注释节点
func NoteNode(id, text string) workflow.Node {
	return workflow.Node{
		ID:   id,
		Kind: workflow.NodeNote,
		Data: workflow.NodeData{Text: text},
	}
}

// Flow 创建 output -> input 的控制边
func Flow(source, target string) workflow.Edge {
	return Branch(source, workflow.HandleOutput, target)
}

// Branch 创建从指定源句柄出发的控制边
func Branch(source, handle, target string) workflow.Edge {
	return workflow.Edge{
		ID:           source + "-" + handle + "-" + target,
		Source:       source,
		SourceHandle: handle,
		Target:       target,
		TargetHandle: workflow.HandleInput,
	}
}

// Attach 创建 files 节点到生成节点 files 句柄的边
func Attach(filesNode, target string) workflow.Edge {
	return workflow.Edge{
		ID:           filesNode + "-files-" + target,
		Source:       filesNode,
		SourceHandle: workflow.HandleOutput,
		Target:       target,
		TargetHandle: workflow.HandleFiles,
	}
}

// =============================================================================
// 📋 预置工作流
// =============================================================================

// LinearWorkflow 返回 outline -> draft -> polish 的三段生成链，
// 全局变量 topic 默认为 "cats"
func LinearWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:   "linear",
		Name: "Linear chain",
		Nodes: []workflow.Node{
			GenerateNode("outline", "Outline a post about {{topic}}", "outline"),
			GenerateNode("draft", "Write a draft from {{outline}}", "draft"),
			GenerateNode("polish", "Polish {{draft}}", "final"),
			NoteNode("note", "three steps"),
		},
		Edges: []workflow.Edge{
			Flow("outline", "draft"),
			Flow("draft", "polish"),
		},
		Variables: []workflow.Variable{
			{ID: "v-topic", Name: "topic", Value: "cats"},
		},
	}
}

// DecisionWorkflow 返回 classify -> route 决策，choice-0 到 positive，
// choice-1 到 negative，else 到 fallback
func DecisionWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:   "decision",
		Name: "Sentiment router",
		Nodes: []workflow.Node{
			GenerateNode("classify", "Classify: {{review}}", "sentiment"),
			DecisionNode("route", "Is {{sentiment}} positive or negative?", "Positive", "Negative"),
			GenerateNode("positive", "Thank the customer", "reply"),
			GenerateNode("negative", "Apologise to the customer", "apology"),
			GenerateNode("fallback", "Ask for clarification", "clarify"),
		},
		Edges: []workflow.Edge{
			Flow("classify", "route"),
			Branch("route", workflow.ChoiceHandle(0), "positive"),
			Branch("route", workflow.ChoiceHandle(1), "negative"),
			Branch("route", workflow.HandleElse, "fallback"),
		},
		Variables: []workflow.Variable{
			{ID: "v-review", Name: "review", Value: "great product"},
		},
	}
}

// FilesWorkflow 返回 docs 文件节点挂到 summarize 生成节点的工作流
func FilesWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:   "files",
		Name: "Summarize documents",
		Nodes: []workflow.Node{
			FilesNode("docs",
				workflow.FileRef{URL: "https://files.example/a.pdf", Name: "a.pdf", MimeType: "application/pdf"},
				workflow.FileRef{URL: "https://files.example/b.png", Name: "b.png", MimeType: "image/png"},
			),
			GenerateNode("summarize", "Summarize the attached files", "summary"),
		},
		Edges: []workflow.Edge{
			Attach("docs", "summarize"),
		},
		Variables: []workflow.Variable{},
	}
}

// InvalidWorkflow 返回未通过校验的工作流：空提示词与重复变量名
func InvalidWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID: "invalid",
		Nodes: []workflow.Node{
			GenerateNode("empty", "", ""),
		},
		Edges: []workflow.Edge{},
		Variables: []workflow.Variable{
			{ID: "v1", Name: "dup", Value: "a"},
			{ID: "v2", Name: "dup", Value: "b"},
		},
	}
}

// =============================================================================
// 📊 运行记录
// =============================================================================

// RunRecord 返回一条已完成的运行记录，包含一个节点与一条日志
func RunRecord(runID, workflowID string, startedAt time.Time) *workflow.RunRecord {
	startedAt = startedAt.UTC().Truncate(time.Millisecond)
	finishedAt := startedAt.Add(1500 * time.Millisecond)
	return &workflow.RunRecord{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     workflow.RunCompleted,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Nodes: []workflow.NodeRecord{{
			NodeID:     "outline",
			NodeName:   "outline",
			Kind:       workflow.NodeGenerate,
			State:      workflow.StateCompleted,
			Result:     "an outline",
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Duration:   finishedAt.Sub(startedAt),
		}},
		Log: []workflow.LogEntry{{
			ID:        runID + "-1",
			Timestamp: finishedAt,
			Severity:  workflow.SeveritySuccess,
			NodeID:    "outline",
			NodeName:  "outline",
			Message:   "completed",
		}},
	}
}
