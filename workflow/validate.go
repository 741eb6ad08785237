package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentcanvas/types"
)

// Violation is one problem found before a run.
type Violation struct {
	NodeID  string `json:"nodeId,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.NodeID != "" {
		return fmt.Sprintf("node %s: %s", v.NodeID, v.Message)
	}
	return v.Message
}

// ValidationError carries every violation found, not just the first.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("workflow validation failed (%d): %s", len(e.Violations), strings.Join(parts, "; "))
}

// Unwrap exposes the VALIDATION_FAILED code to types.GetErrorCode.
func (e *ValidationError) Unwrap() error {
	return types.NewError(types.ErrValidation, "workflow validation failed")
}

// Validate checks a definition before any model call: structure, non-empty
// generate user prompts and decision instructions, and that every {{token}}
// names a global variable or an upstream node. It returns nil when the
// definition can run.
func Validate(def *Definition) *ValidationError {
	violations := def.Check()
	g := def.Graph()

	globals := make(map[string]bool, len(def.Variables))
	for _, v := range def.Variables {
		globals[v.Name] = true
	}
	producers := map[string][]string{}
	for _, n := range g.Nodes() {
		if n.Kind.Executable() && n.Data.VariableName != "" {
			producers[n.Data.VariableName] = append(producers[n.Data.VariableName], n.ID)
		}
	}

	for _, n := range g.Nodes() {
		var fields map[string]string
		switch n.Kind {
		case NodeGenerate:
			if strings.TrimSpace(n.Data.UserPrompt) == "" {
				violations = append(violations, Violation{NodeID: n.ID, Field: "userPrompt", Message: "user prompt is empty"})
			}
			fields = map[string]string{"systemPrompt": n.Data.SystemPrompt, "userPrompt": n.Data.UserPrompt}
		case NodeDecision:
			if strings.TrimSpace(n.Data.Instructions) == "" {
				violations = append(violations, Violation{NodeID: n.ID, Field: "instructions", Message: "instructions are empty"})
			}
			fields = map[string]string{"instructions": n.Data.Instructions}
		default:
			continue
		}

		for _, field := range []string{"systemPrompt", "userPrompt", "instructions"} {
			text, ok := fields[field]
			if !ok {
				continue
			}
			for _, name := range Tokens(text) {
				if globals[name] || upstreamProducer(g, producers[name], n.ID) {
					continue
				}
				violations = append(violations, Violation{
					NodeID:  n.ID,
					Field:   field,
					Message: fmt.Sprintf("variable {{%s}} is neither a global variable nor an upstream node", name),
				})
			}
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

func upstreamProducer(g *Graph, ids []string, consumer string) bool {
	for _, id := range ids {
		if id != consumer && g.Reachable(id, consumer) {
			return true
		}
	}
	return false
}
