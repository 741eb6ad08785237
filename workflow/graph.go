package workflow

import (
	"strconv"
	"strings"
)

// NodeKind identifies what a canvas node does.
type NodeKind string

const (
	// NodeGenerate calls the generation endpoint with its resolved prompts.
	NodeGenerate NodeKind = "generate"
	// NodeDecision asks the model to pick one of its choices and routes on the answer.
	NodeDecision NodeKind = "decision"
	// NodeFiles is a bundle of file references fed into generate nodes.
	NodeFiles NodeKind = "files"
	// NodeNote is free text on the canvas; it never executes.
	NodeNote NodeKind = "note"
)

// Executable reports whether nodes of this kind call the generation endpoint.
func (k NodeKind) Executable() bool {
	return k == NodeGenerate || k == NodeDecision
}

// Handle names carried by edges.
const (
	HandleInput  = "input"
	HandleOutput = "output"
	HandleFiles  = "files"
	HandleElse   = "else"

	choiceHandlePrefix = "choice-"
)

// ChoiceHandle returns the source handle of a decision node's i-th choice.
func ChoiceHandle(i int) string {
	return choiceHandlePrefix + strconv.Itoa(i)
}

// ParseChoiceHandle extracts the choice index from a "choice-<i>" handle.
func ParseChoiceHandle(handle string) (int, bool) {
	rest, ok := strings.CutPrefix(handle, choiceHandlePrefix)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Position is the canvas position of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// FileRef points at a stored file handed to the generation call.
type FileRef struct {
	URL      string `json:"url" yaml:"url"`
	Name     string `json:"name" yaml:"name"`
	MimeType string `json:"mimeType" yaml:"mimeType"`
}

// NodeData holds the kind-specific fields of a node. Only the fields relevant
// to the node's kind are read.
type NodeData struct {
	// generate
	SystemPrompt    string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	UserPrompt      string `json:"userPrompt,omitempty" yaml:"userPrompt,omitempty"`
	SearchGrounding bool   `json:"searchGrounding,omitempty" yaml:"searchGrounding,omitempty"`
	MapsGrounding   bool   `json:"mapsGrounding,omitempty" yaml:"mapsGrounding,omitempty"`

	// decision
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Choices      []string `json:"choices,omitempty" yaml:"choices,omitempty"`

	// generate + decision
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	VariableName string `json:"variableName,omitempty" yaml:"variableName,omitempty"`

	// files
	SelectedFiles []FileRef `json:"selectedFiles,omitempty" yaml:"selectedFiles,omitempty"`

	// note
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
}

// Node is a unit of work on the canvas.
type Node struct {
	ID       string    `json:"id" yaml:"id"`
	Kind     NodeKind  `json:"type" yaml:"type"`
	Position *Position `json:"position,omitempty" yaml:"position,omitempty"`
	Data     NodeData  `json:"data" yaml:"data"`
}

// DisplayName is the name used in logs: the variable name if set, else the id.
func (n *Node) DisplayName() string {
	if n.Data.VariableName != "" {
		return n.Data.VariableName
	}
	return n.ID
}

// Edge is a directed, handle-typed connection between two nodes.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	Target       string `json:"target" yaml:"target"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Variable is a user-declared value referenced as {{name}} in prompts.
type Variable struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Value        string `json:"value" yaml:"value"`
	AskBeforeRun bool   `json:"askBeforeRun,omitempty" yaml:"askBeforeRun,omitempty"`
}

// Graph is an immutable, indexed snapshot of a node/edge collection.
type Graph struct {
	nodes    []*Node
	index    map[string]*Node
	incoming map[string][]Edge
	outgoing map[string][]Edge
}

// NewGraph indexes nodes and edges. Nodes are copied so later edits to the
// slices do not leak into the snapshot. When ids repeat, the first node wins.
func NewGraph(nodes []Node, edges []Edge) *Graph {
	g := &Graph{
		nodes:    make([]*Node, 0, len(nodes)),
		index:    make(map[string]*Node, len(nodes)),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
	}
	for i := range nodes {
		n := nodes[i]
		n.Data.Choices = append([]string(nil), n.Data.Choices...)
		n.Data.SelectedFiles = append([]FileRef(nil), n.Data.SelectedFiles...)
		if _, dup := g.index[n.ID]; dup {
			continue
		}
		g.nodes = append(g.nodes, &n)
		g.index[n.ID] = &n
	}
	for _, e := range edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}
	return g
}

// Nodes returns the nodes in definition order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Incoming returns the edges entering id on handle. An empty handle matches all.
func (g *Graph) Incoming(id, handle string) []Edge {
	return filterHandle(g.incoming[id], handle, func(e Edge) string { return e.TargetHandle })
}

// Outgoing returns every edge leaving id.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// OutgoingOn returns the edges leaving id on the given source handle.
func (g *Graph) OutgoingOn(id, handle string) []Edge {
	return filterHandle(g.outgoing[id], handle, func(e Edge) string { return e.SourceHandle })
}

// Reachable reports whether to can be reached from from by following at least
// one edge.
func (g *Graph) Reachable(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.outgoing[cur] {
			if e.Target == to {
				return true
			}
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return false
}

// Upstream returns the ids of all nodes from which id is reachable, excluding id.
func (g *Graph) Upstream(id string) map[string]bool {
	up := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.incoming[cur] {
			if e.Source == id || up[e.Source] {
				continue
			}
			up[e.Source] = true
			stack = append(stack, e.Source)
		}
	}
	return up
}

// FilesFor returns the files of every files node wired into id's files handle,
// in edge order.
func (g *Graph) FilesFor(id string) []FileRef {
	var files []FileRef
	for _, e := range g.Incoming(id, HandleFiles) {
		src, ok := g.index[e.Source]
		if !ok || src.Kind != NodeFiles {
			continue
		}
		files = append(files, src.Data.SelectedFiles...)
	}
	return files
}

func filterHandle(edges []Edge, handle string, key func(Edge) string) []Edge {
	if handle == "" {
		return edges
	}
	var out []Edge
	for _, e := range edges {
		if key(e) == handle {
			out = append(out, e)
		}
	}
	return out
}
