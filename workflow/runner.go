package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/internal/ctxkeys"
)

// runner drives one traversal. It is created per run and discarded after it;
// the visited and deferred sets never outlive the run.
type runner struct {
	runID    string
	graph    *Graph
	planner  *Planner
	resolver *Resolver
	executor *NodeExecutor
	guard    *Guard
	states   *StateStore
	log      *ExecutionLog
	observer RunObserver
	tracer   trace.Tracer
	logger   *zap.Logger

	visited  map[string]bool
	deferred []string
	waiting  map[string]string
	attempts []NodeRecord
}

// traverse visits the graph depth-first from starts over an explicit stack.
// Generate nodes whose input producer has not settled are deferred and, once
// nothing else can run, released in dependency order. Decision nodes whose
// inputs never complete stay idle.
func (r *runner) traverse(ctx context.Context, starts []string) error {
	stack := make([]string, 0, len(starts))
	stack = pushReversed(stack, starts)

	for {
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if r.visited[id] {
				continue
			}
			n, ok := r.graph.Node(id)
			if !ok {
				continue
			}

			gate, reason := r.planner.Gate(n, r.states)
			switch gate {
			case GateWait:
				r.wait(n, reason)
				continue
			case GateBlocked:
				r.visited[id] = true
				r.block(n, reason)
				continue
			}

			stack = pushReversed(stack, r.visit(ctx, n))
		}

		n := r.nextDeferred()
		if n == nil {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if gate, reason := r.planner.Gate(n, r.states); gate == GateBlocked {
			r.visited[n.ID] = true
			r.block(n, reason)
			continue
		}
		r.logger.Debug("releasing deferred node", zap.String("node_id", n.ID))
		stack = pushReversed(stack, r.visit(ctx, n))
	}

	for id, reason := range r.waiting {
		if r.visited[id] {
			continue
		}
		if n, ok := r.graph.Node(id); ok {
			r.log.Append(SeverityWarning, n, "Skipped: "+reason)
		}
	}
	return nil
}

// visit executes n and returns the successors it hands control to.
func (r *runner) visit(ctx context.Context, n *Node) []string {
	r.visited[n.ID] = true
	delete(r.waiting, n.ID)
	r.dropDeferred(n.ID)

	if n.Kind == NodeFiles {
		return r.planner.Successors(n, NodeState{})
	}
	st := r.execute(ctx, n)
	return r.planner.Successors(n, st)
}

// execute runs one executable node under the node guard.
func (r *runner) execute(ctx context.Context, n *Node) NodeState {
	if !r.guard.AcquireNode(n.ID) {
		if r.observer != nil {
			r.observer.RecordGuardRejection("node")
		}
		return r.states.Get(n.ID)
	}
	defer r.guard.ReleaseNode(n.ID)

	ctx, span := r.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.run_id", r.runID),
			attribute.String("workflow.node_id", n.ID),
			attribute.String("workflow.node_type", string(n.Kind)),
		))
	defer span.End()

	ctx = ctxkeys.WithNodeID(ctxkeys.WithRunID(ctx, r.runID), n.ID)
	out := r.executor.Execute(ctx, n, r.inputFor(n))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	if out.Selection != nil {
		span.SetAttributes(attribute.String("workflow.selected_handle", out.Selection.Handle))
	}
	if r.observer != nil {
		r.observer.RecordNode(string(n.Kind), string(out.State.State), out.Duration)
	}

	r.attempts = append(r.attempts, NodeRecord{
		NodeID:         n.ID,
		NodeName:       n.DisplayName(),
		Kind:           n.Kind,
		State:          out.State.State,
		Result:         out.State.Result,
		SelectedChoice: out.State.SelectedChoice,
		StartedAt:      out.State.StartedAt,
		FinishedAt:     out.State.FinishedAt,
		Duration:       out.Duration,
	})
	return out.State
}

// inputFor resolves n's prompts against the current states.
func (r *runner) inputFor(n *Node) Input {
	env := r.resolver.EnvFor(n.ID)
	in := Input{Files: r.graph.FilesFor(n.ID)}
	switch n.Kind {
	case NodeGenerate:
		in.SystemPrompt = Resolve(n.Data.SystemPrompt, env)
		in.UserPrompt = Resolve(n.Data.UserPrompt, env)
	case NodeDecision:
		in.UserPrompt = Resolve(n.Data.Instructions, env)
		in.Context = r.decisionContext(n)
	}
	return in
}

// decisionContext collects the results of a decision node's direct inputs.
func (r *runner) decisionContext(n *Node) string {
	var parts []string
	for _, e := range r.graph.Incoming(n.ID, "") {
		if e.TargetHandle == HandleFiles {
			continue
		}
		src, ok := r.graph.Node(e.Source)
		if !ok || !src.Kind.Executable() {
			continue
		}
		st := r.states.Get(src.ID)
		if !st.HasResult() {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:\n%s", src.DisplayName(), ExtractText(st.Result)))
	}
	return strings.Join(parts, "\n\n")
}

func (r *runner) wait(n *Node, reason string) {
	r.logger.Debug("node not ready, deferring",
		zap.String("node_id", n.ID),
		zap.String("reason", reason),
	)
	r.waiting[n.ID] = reason
	if n.Kind != NodeGenerate {
		return
	}
	for _, id := range r.deferred {
		if id == n.ID {
			return
		}
	}
	r.deferred = append(r.deferred, n.ID)
}

func (r *runner) block(n *Node, reason string) {
	delete(r.waiting, n.ID)
	r.dropDeferred(n.ID)
	r.logger.Debug("node blocked", zap.String("node_id", n.ID), zap.String("reason", reason))
	if n.Kind == NodeDecision {
		r.log.Append(SeverityWarning, n, "Skipped: "+reason)
	}
}

// nextDeferred picks the deferred node to release. A node whose input
// producer is itself still pending goes after that producer.
func (r *runner) nextDeferred() *Node {
	var fallback *Node
	for _, id := range r.deferred {
		if r.visited[id] {
			continue
		}
		n, ok := r.graph.Node(id)
		if !ok {
			continue
		}
		if fallback == nil {
			fallback = n
		}
		if !r.producerPending(n) {
			return n
		}
	}
	return fallback
}

func (r *runner) producerPending(n *Node) bool {
	for _, e := range r.graph.Incoming(n.ID, HandleInput) {
		if r.visited[e.Source] {
			continue
		}
		if _, waiting := r.waiting[e.Source]; waiting {
			return true
		}
	}
	return false
}

func (r *runner) dropDeferred(id string) {
	for i, d := range r.deferred {
		if d == id {
			r.deferred = append(r.deferred[:i], r.deferred[i+1:]...)
			return
		}
	}
}

func (r *runner) record(status RunStatus, started time.Time, err error) *RunRecord {
	finished := time.Now()
	rec := &RunRecord{
		RunID:      r.runID,
		Status:     status,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Nodes:      append([]NodeRecord{}, r.attempts...),
		Log:        r.log.Entries(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func pushReversed(stack, ids []string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		stack = append(stack, ids[i])
	}
	return stack
}
