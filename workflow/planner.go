package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// Gate is the planner's verdict on whether a node may run now.
type Gate int

const (
	// GateReady means the node can execute.
	GateReady Gate = iota
	// GateWait means a producer has not settled yet; the node is revisited
	// when that producer finishes.
	GateWait
	// GateBlocked means the node cannot run in this run.
	GateBlocked
)

func (g Gate) String() string {
	switch g {
	case GateReady:
		return "ready"
	case GateWait:
		return "wait"
	case GateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("gate(%d)", int(g))
	}
}

// Planner answers which nodes start a run, whether a node is eligible, and
// which successors a settled node hands control to.
type Planner struct {
	graph *Graph
}

// NewPlanner creates a planner over a graph snapshot.
func NewPlanner(graph *Graph) *Planner {
	return &Planner{graph: graph}
}

// StartNodes returns, in definition order, the executable and files nodes
// without incoming edges.
func (p *Planner) StartNodes() []*Node {
	var out []*Node
	for _, n := range p.graph.Nodes() {
		if !n.Kind.Executable() && n.Kind != NodeFiles {
			continue
		}
		if len(p.graph.Incoming(n.ID, "")) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Gate decides whether n may run given the current states. The second return
// value explains a wait or a block.
//
// Generate nodes gate softly on their single input: they wait while the
// producer is unsettled and run even if it failed. Decision nodes gate hard:
// every input must have completed.
func (p *Planner) Gate(n *Node, states *StateStore) (Gate, string) {
	switch n.Kind {
	case NodeGenerate:
		return p.gateGenerate(n, states)
	case NodeDecision:
		return p.gateDecision(n, states)
	case NodeFiles:
		return GateReady, ""
	default:
		return GateBlocked, fmt.Sprintf("%s nodes do not execute", n.Kind)
	}
}

// inputSource is one producer feeding a node, with every handle it feeds
// through. A decision may route to the same consumer along several choices.
type inputSource struct {
	node    *Node
	handles []string
}

func (s inputSource) selected(st NodeState) bool {
	return slices.Contains(s.handles, st.SelectedHandle)
}

func (s inputSource) branches() string {
	return strings.Join(s.handles, ", ")
}

// inputSources groups n's incoming edges by executable source, in edge order.
// Files edges are not inputs; a generate node only reads its input handle.
func (p *Planner) inputSources(n *Node) []inputSource {
	var out []inputSource
	index := make(map[string]int)
	for _, e := range p.graph.Incoming(n.ID, "") {
		if e.TargetHandle == HandleFiles || (n.Kind == NodeGenerate && e.TargetHandle != HandleInput) {
			continue
		}
		src, ok := p.graph.Node(e.Source)
		if !ok || !src.Kind.Executable() {
			continue
		}
		i, seen := index[src.ID]
		if !seen {
			i = len(out)
			index[src.ID] = i
			out = append(out, inputSource{node: src})
		}
		if !slices.Contains(out[i].handles, e.SourceHandle) {
			out[i].handles = append(out[i].handles, e.SourceHandle)
		}
	}
	return out
}

func (p *Planner) gateGenerate(n *Node, states *StateStore) (Gate, string) {
	for _, in := range p.inputSources(n) {
		src := in.node
		st := states.Get(src.ID)
		switch {
		case !st.State.Terminal():
			return GateWait, fmt.Sprintf("input %s has not finished", src.DisplayName())
		case src.Kind != NodeDecision:
		case st.State == StateError:
			return GateBlocked, fmt.Sprintf("decision %s failed", src.DisplayName())
		case !in.selected(st):
			return GateBlocked, fmt.Sprintf("branch %s of %s was not selected", in.branches(), src.DisplayName())
		}
	}
	return GateReady, ""
}

func (p *Planner) gateDecision(n *Node, states *StateStore) (Gate, string) {
	wait := ""
	for _, in := range p.inputSources(n) {
		src := in.node
		st := states.Get(src.ID)
		switch {
		case st.State == StateError:
			return GateBlocked, fmt.Sprintf("input %s failed", src.DisplayName())
		case st.State == StateCompleted:
			if src.Kind == NodeDecision && !in.selected(st) {
				return GateBlocked, fmt.Sprintf("branch %s of %s was not selected", in.branches(), src.DisplayName())
			}
		default:
			if wait == "" {
				wait = fmt.Sprintf("input %s has not completed", src.DisplayName())
			}
		}
	}
	if wait != "" {
		return GateWait, wait
	}
	return GateReady, ""
}

// Successors returns the ids of nodes n hands control to after settling in
// state st, in edge order without duplicates. Generate and files nodes pass to
// every successor; a decision passes only along its selected branch.
func (p *Planner) Successors(n *Node, st NodeState) []string {
	var edges []Edge
	switch n.Kind {
	case NodeGenerate, NodeFiles:
		edges = p.graph.Outgoing(n.ID)
	case NodeDecision:
		if st.State != StateCompleted || st.SelectedHandle == "" {
			return nil
		}
		edges = p.graph.OutgoingOn(n.ID, st.SelectedHandle)
	default:
		return nil
	}

	seen := make(map[string]bool, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if seen[e.Target] {
			continue
		}
		if _, ok := p.graph.Node(e.Target); !ok {
			continue
		}
		seen[e.Target] = true
		out = append(out, e.Target)
	}
	return out
}
