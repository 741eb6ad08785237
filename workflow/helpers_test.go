package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentcanvas/generation"
)

// ---------------------------------------------------------------------------
// Mock helpers
// ---------------------------------------------------------------------------

// scriptedClient records every generation request and answers through reply.
// Without a reply it returns "ok:<nodeID>".
type scriptedClient struct {
	mu    sync.Mutex
	calls []generation.Request
	reply func(req *generation.Request) (string, error)
	count atomic.Int32
}

func (c *scriptedClient) Generate(ctx context.Context, req *generation.Request) (string, error) {
	c.count.Add(1)
	c.mu.Lock()
	c.calls = append(c.calls, *req)
	c.mu.Unlock()
	if c.reply == nil {
		return "ok:" + req.NodeID, nil
	}
	return c.reply(req)
}

// order returns the node ids in call order.
func (c *scriptedClient) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.calls))
	for i, r := range c.calls {
		ids[i] = r.NodeID
	}
	return ids
}

// call returns the first request made for nodeID.
func (c *scriptedClient) call(nodeID string) (generation.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.calls {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return generation.Request{}, false
}

// memRunStore keeps saved runs in memory.
type memRunStore struct {
	mu   sync.Mutex
	runs []*RunRecord
}

func (s *memRunStore) SaveRun(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memRunStore) ListRuns(_ context.Context, workflowID string, limit int) ([]*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RunRecord
	for i := len(s.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if workflowID == "" || s.runs[i].WorkflowID == workflowID {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

// countingObserver counts metric callbacks.
type countingObserver struct {
	runs       atomic.Int32
	nodes      atomic.Int32
	rejections atomic.Int32
}

func (o *countingObserver) RecordRun(string, time.Duration)          { o.runs.Add(1) }
func (o *countingObserver) RecordNode(string, string, time.Duration) { o.nodes.Add(1) }
func (o *countingObserver) RecordGuardRejection(string)              { o.rejections.Add(1) }

// ---------------------------------------------------------------------------
// Graph builders
// ---------------------------------------------------------------------------

func genNode(id, prompt string) Node {
	return Node{ID: id, Kind: NodeGenerate, Data: NodeData{UserPrompt: prompt, VariableName: id}}
}

func decisionNode(id string, choices ...string) Node {
	return Node{ID: id, Kind: NodeDecision, Data: NodeData{
		Instructions: "Pick the best option",
		Choices:      choices,
		VariableName: id,
	}}
}

func filesNode(id string, files ...FileRef) Node {
	return Node{ID: id, Kind: NodeFiles, Data: NodeData{SelectedFiles: files}}
}

func link(src, srcHandle, dst, dstHandle string) Edge {
	return Edge{
		ID:           src + ":" + srcHandle + "->" + dst + ":" + dstHandle,
		Source:       src,
		SourceHandle: srcHandle,
		Target:       dst,
		TargetHandle: dstHandle,
	}
}

func flow(src, dst string) Edge {
	return link(src, HandleOutput, dst, HandleInput)
}

func newDef(nodes []Node, edges []Edge, vars ...Variable) *Definition {
	if edges == nil {
		edges = []Edge{}
	}
	if vars == nil {
		vars = []Variable{}
	}
	return &Definition{ID: "wf-test", Name: "test", Nodes: nodes, Edges: edges, Variables: vars}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
