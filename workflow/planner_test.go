package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcanvas/generation"
)

func TestPlanner_StartNodes(t *testing.T) {
	t.Parallel()
	note := Node{ID: "N", Kind: NodeNote, Data: NodeData{Text: "remember"}}
	def := newDef(
		[]Node{note, genNode("A", "a"), filesNode("F"), genNode("B", "b"), decisionNode("D", "x")},
		[]Edge{flow("A", "B"), link("F", HandleFiles, "B", HandleFiles)},
	)
	p := NewPlanner(def.Graph())

	var ids []string
	for _, n := range p.StartNodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"A", "F", "D"}, ids)
}

func TestPlanner_Gate(t *testing.T) {
	t.Parallel()
	def := newDef(
		[]Node{genNode("A", "a"), genNode("G", "g"), decisionNode("D", "x", "y"), genNode("Y", "y"), decisionNode("D2", "z")},
		[]Edge{
			flow("A", "G"),
			flow("A", "D"),
			link("D", ChoiceHandle(1), "Y", HandleInput),
			flow("G", "D2"),
			flow("A", "D2"),
		},
	)
	g := def.Graph()
	p := NewPlanner(g)
	node := func(id string) *Node {
		n, ok := g.Node(id)
		require.True(t, ok)
		return n
	}

	states := NewStateStore()
	states.Reset([]string{"A", "G", "D", "Y", "D2"})

	gate, _ := p.Gate(node("G"), states)
	assert.Equal(t, GateWait, gate, "generate waits while producer is idle")
	gate, _ = p.Gate(node("D"), states)
	assert.Equal(t, GateWait, gate)

	states.Fail("A", "Error: x")
	gate, _ = p.Gate(node("G"), states)
	assert.Equal(t, GateReady, gate, "failed producer does not block a generate node")
	gate, reason := p.Gate(node("D"), states)
	assert.Equal(t, GateBlocked, gate, "failed input blocks a decision")
	assert.Contains(t, reason, "A")

	states.Complete("A", "ok", "", "")
	gate, _ = p.Gate(node("D"), states)
	assert.Equal(t, GateReady, gate)
	gate, _ = p.Gate(node("D2"), states)
	assert.Equal(t, GateWait, gate, "decision waits for every input")

	states.Complete("D", "x", "x", ChoiceHandle(0))
	gate, _ = p.Gate(node("Y"), states)
	assert.Equal(t, GateBlocked, gate, "unselected branch blocks")
	states.Complete("D", "y", "y", ChoiceHandle(1))
	gate, _ = p.Gate(node("Y"), states)
	assert.Equal(t, GateReady, gate)

	note := &Node{ID: "N", Kind: NodeNote}
	gate, _ = p.Gate(note, states)
	assert.Equal(t, GateBlocked, gate)
	assert.Equal(t, "blocked", gate.String())
}

func TestPlanner_GateGroupsInputsBySource(t *testing.T) {
	t.Parallel()
	def := newDef(
		[]Node{decisionNode("D", "a", "b", "c"), decisionNode("E", "x"), genNode("G", "g")},
		[]Edge{
			link("D", ChoiceHandle(0), "E", HandleInput),
			link("D", ChoiceHandle(1), "E", HandleInput),
			link("D", ChoiceHandle(1), "G", HandleInput),
		},
	)
	g := def.Graph()
	p := NewPlanner(g)
	e, _ := g.Node("E")
	gen, _ := g.Node("G")

	states := NewStateStore()
	states.Reset([]string{"D", "E", "G"})

	states.Complete("D", "a", "a", ChoiceHandle(0))
	gate, _ := p.Gate(e, states)
	assert.Equal(t, GateReady, gate, "either feeding choice admits E")
	gate, _ = p.Gate(gen, states)
	assert.Equal(t, GateBlocked, gate)

	states.Complete("D", "b", "b", ChoiceHandle(1))
	gate, _ = p.Gate(e, states)
	assert.Equal(t, GateReady, gate)
	gate, _ = p.Gate(gen, states)
	assert.Equal(t, GateReady, gate)

	states.Complete("D", "c", "c", ChoiceHandle(2))
	gate, reason := p.Gate(e, states)
	assert.Equal(t, GateBlocked, gate)
	assert.Contains(t, reason, ChoiceHandle(0)+", "+ChoiceHandle(1))
}

func TestPlanner_Successors(t *testing.T) {
	t.Parallel()
	def := newDef(
		[]Node{decisionNode("D", "a", "b"), genNode("A", "a"), genNode("B", "b"), genNode("E", "e")},
		[]Edge{
			link("D", ChoiceHandle(0), "A", HandleInput),
			link("D", ChoiceHandle(1), "B", HandleInput),
			link("D", HandleElse, "E", HandleInput),
			link("D", ChoiceHandle(0), "ghost", HandleInput),
			flow("A", "B"),
			flow("A", "B"),
		},
	)
	g := def.Graph()
	p := NewPlanner(g)
	d, _ := g.Node("D")
	a, _ := g.Node("A")

	assert.Equal(t, []string{"A"}, p.Successors(d, NodeState{State: StateCompleted, SelectedHandle: ChoiceHandle(0)}))
	assert.Equal(t, []string{"E"}, p.Successors(d, NodeState{State: StateCompleted, SelectedHandle: HandleElse}))
	assert.Empty(t, p.Successors(d, NodeState{State: StateError}))
	assert.Equal(t, []string{"B"}, p.Successors(a, NodeState{State: StateCompleted}), "duplicates collapse")
}

// ---------------------------------------------------------------------------
// Property tests
// ---------------------------------------------------------------------------

// randomDAG builds an acyclic workflow from a seed list. Node j is a generate
// node with at most one earlier parent, or a decision node with any subset of
// earlier parents. Decisions answer "go" and route on choice-0.
func randomDAG(size int, seeds []uint32) *Definition {
	var nodes []Node
	var edges []Edge
	kinds := make([]NodeKind, size)
	for j := 0; j < size; j++ {
		seed := seeds[j%len(seeds)] + uint32(j)*2654435761
		id := fmt.Sprintf("n%d", j)
		srcHandle := func(i int) string {
			if kinds[i] == NodeDecision {
				return ChoiceHandle(0)
			}
			return HandleOutput
		}
		if seed%3 == 0 {
			kinds[j] = NodeDecision
			nodes = append(nodes, decisionNode(id, "go"))
			for i := 0; i < j; i++ {
				if (seed>>uint(i+2))&1 == 1 {
					edges = append(edges, link(fmt.Sprintf("n%d", i), srcHandle(i), id, HandleInput))
				}
			}
			continue
		}
		kinds[j] = NodeGenerate
		nodes = append(nodes, genNode(id, "step "+id))
		if j > 0 && seed%5 != 0 {
			i := int(seed>>3) % j
			edges = append(edges, link(fmt.Sprintf("n%d", i), srcHandle(i), id, HandleInput))
		}
	}
	// Reverse definition order so start-node order differs from dependency order.
	for l, r := 0, len(nodes)-1; l < r; l, r = l+1, r-1 {
		nodes[l], nodes[r] = nodes[r], nodes[l]
	}
	return newDef(nodes, edges)
}

func TestProperty_ExecutionOrderIsTopological(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every node runs once and after its producers", prop.ForAll(
		func(size int, seeds []uint32) bool {
			def := randomDAG(size, seeds)
			client := &scriptedClient{reply: func(req *generation.Request) (string, error) {
				return "go", nil
			}}
			eng := NewEngine(def, client)
			if _, err := eng.Run(context.Background()); err != nil {
				t.Logf("run failed: %v", err)
				return false
			}

			order := client.order()
			if len(order) != size {
				t.Logf("executed %d of %d nodes: %v", len(order), size, order)
				return false
			}
			seen := map[string]bool{}
			for _, id := range order {
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			for _, e := range def.Edges {
				if indexOf(order, e.Source) > indexOf(order, e.Target) {
					t.Logf("edge %s violated in %v", e.ID, order)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 9),
		gen.SliceOfN(9, gen.UInt32()),
	))

	properties.TestingRun(t)
}

func TestProperty_CyclesTerminate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("back edges never cause a node to run twice", prop.ForAll(
		func(size int, back int) bool {
			var nodes []Node
			var edges []Edge
			for j := 0; j < size; j++ {
				nodes = append(nodes, genNode(fmt.Sprintf("n%d", j), "p"))
				if j > 0 {
					edges = append(edges, flow(fmt.Sprintf("n%d", j-1), fmt.Sprintf("n%d", j)))
				}
			}
			target := 1 + back%(size-1)
			edges = append(edges, link(fmt.Sprintf("n%d", size-1), HandleOutput, fmt.Sprintf("n%d", target), HandleFiles))

			client := &scriptedClient{}
			eng := NewEngine(newDef(nodes, edges), client)
			if _, err := eng.Run(context.Background()); err != nil {
				return false
			}
			return int(client.count.Load()) == size
		},
		gen.IntRange(2, 8),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
