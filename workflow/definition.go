package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentcanvas/types"
)

// Definition is the workflow document exchanged with the editor and storage:
// nodes, edges and global variables. A run never mutates it.
type Definition struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes     []Node     `json:"nodes" yaml:"nodes"`
	Edges     []Edge     `json:"edges" yaml:"edges"`
	Variables []Variable `json:"variables" yaml:"variables"`
}

// UnmarshalJSON decodes a Definition and normalizes nil collections.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type Alias Definition
	aux := (*Alias)(d)
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("failed to unmarshal Definition: %w", err)
	}
	d.normalize()
	return nil
}

// UnmarshalYAML decodes a Definition and normalizes nil collections.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	type Alias Definition
	aux := (*Alias)(d)
	if err := node.Decode(aux); err != nil {
		return fmt.Errorf("failed to unmarshal Definition: %w", err)
	}
	d.normalize()
	return nil
}

func (d *Definition) normalize() {
	if d.Nodes == nil {
		d.Nodes = []Node{}
	}
	if d.Edges == nil {
		d.Edges = []Edge{}
	}
	if d.Variables == nil {
		d.Variables = []Variable{}
	}
}

// ParseJSON decodes a JSON workflow document.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
	}
	return &def, nil
}

// ParseYAML decodes a YAML workflow document.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	def.normalize()
	return &def, nil
}

// LoadDefinition reads a workflow file; .yaml and .yml are decoded as YAML,
// everything else as JSON.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ToJSON encodes the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

// ToYAML encodes the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

// Graph returns an indexed snapshot of the definition.
func (d *Definition) Graph() *Graph {
	return NewGraph(d.Nodes, d.Edges)
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	c := &Definition{
		ID:        d.ID,
		Name:      d.Name,
		Nodes:     make([]Node, len(d.Nodes)),
		Edges:     append([]Edge{}, d.Edges...),
		Variables: append([]Variable{}, d.Variables...),
	}
	for i, n := range d.Nodes {
		n.Data.Choices = append([]string(nil), n.Data.Choices...)
		n.Data.SelectedFiles = append([]FileRef(nil), n.Data.SelectedFiles...)
		if n.Position != nil {
			p := *n.Position
			n.Position = &p
		}
		c.Nodes[i] = n
	}
	return c
}

// Variable looks up a global variable by name.
func (d *Definition) Variable(name string) (Variable, bool) {
	for _, v := range d.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Check reports structural problems: duplicate ids, dangling edges, more than
// one input edge into a generate node and duplicate variable names.
func (d *Definition) Check() []Violation {
	var out []Violation

	kinds := make(map[string]NodeKind, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			out = append(out, Violation{Field: "id", Message: "node has an empty id"})
			continue
		}
		if _, dup := kinds[n.ID]; dup {
			out = append(out, Violation{NodeID: n.ID, Field: "id", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
			continue
		}
		switch n.Kind {
		case NodeGenerate, NodeDecision, NodeFiles, NodeNote:
		default:
			out = append(out, Violation{NodeID: n.ID, Field: "type", Message: fmt.Sprintf("unknown node type %q", n.Kind)})
		}
		kinds[n.ID] = n.Kind
	}

	inputs := map[string]int{}
	for _, e := range d.Edges {
		if _, ok := kinds[e.Source]; !ok {
			out = append(out, Violation{Field: "edges", Message: fmt.Sprintf("edge %s references unknown source %q", edgeLabel(e), e.Source)})
		}
		kind, ok := kinds[e.Target]
		if !ok {
			out = append(out, Violation{Field: "edges", Message: fmt.Sprintf("edge %s references unknown target %q", edgeLabel(e), e.Target)})
			continue
		}
		if kind == NodeGenerate && e.TargetHandle == HandleInput {
			inputs[e.Target]++
			if inputs[e.Target] == 2 {
				out = append(out, Violation{NodeID: e.Target, Field: "input", Message: "generate node accepts at most one input edge"})
			}
		}
	}

	names := map[string]string{}
	for _, v := range d.Variables {
		if v.Name == "" {
			out = append(out, Violation{Field: "variables", Message: fmt.Sprintf("variable %q has an empty name", v.ID)})
			continue
		}
		if _, dup := names[v.Name]; dup {
			out = append(out, Violation{Field: "variables", Message: fmt.Sprintf("duplicate variable name %q", v.Name)})
			continue
		}
		names[v.Name] = ""
	}
	for _, n := range d.Nodes {
		if !n.Kind.Executable() || n.Data.VariableName == "" {
			continue
		}
		owner, dup := names[n.Data.VariableName]
		if !dup {
			names[n.Data.VariableName] = n.ID
			continue
		}
		if owner == "" {
			out = append(out, Violation{NodeID: n.ID, Field: "variableName", Message: fmt.Sprintf("variable name %q is already used by a global variable", n.Data.VariableName)})
		} else {
			out = append(out, Violation{NodeID: n.ID, Field: "variableName", Message: fmt.Sprintf("variable name %q is already used by node %s", n.Data.VariableName, owner)})
		}
	}
	return out
}

// RenameVariable changes the variableName of an executable node and rewrites
// {{old}} tokens in every prompt field. Names already taken by another node
// or a global variable are rejected.
func (d *Definition) RenameVariable(nodeID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.NewError(types.ErrInvalidRequest, "variable name must not be empty")
	}
	idx := -1
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.NewError(types.ErrNodeNotFound, fmt.Sprintf("node %q not found", nodeID))
	}
	target := &d.Nodes[idx]
	if !target.Kind.Executable() {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("node %q of type %s has no variable name", nodeID, target.Kind))
	}
	old := target.Data.VariableName
	if old == name {
		return nil
	}
	for _, n := range d.Nodes {
		if n.ID != nodeID && n.Kind.Executable() && n.Data.VariableName == name {
			return types.NewError(types.ErrVariableConflict, fmt.Sprintf("variable name %q is already used by node %s", name, n.ID))
		}
	}
	if _, ok := d.Variable(name); ok {
		return types.NewError(types.ErrVariableConflict, fmt.Sprintf("variable name %q is already used by a global variable", name))
	}

	target.Data.VariableName = name
	if old == "" {
		return nil
	}
	from, to := tokenFor(old), tokenFor(name)
	for i := range d.Nodes {
		data := &d.Nodes[i].Data
		data.SystemPrompt = strings.ReplaceAll(data.SystemPrompt, from, to)
		data.UserPrompt = strings.ReplaceAll(data.UserPrompt, from, to)
		data.Instructions = strings.ReplaceAll(data.Instructions, from, to)
	}
	return nil
}

func edgeLabel(e Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}
