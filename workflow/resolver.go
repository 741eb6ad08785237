package workflow

import (
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Env maps token names to the text substituted for them.
type Env map[string]string

// Resolve substitutes every {{name}} whose name is in env. Names match
// literally, and the template is scanned once, so text inserted by a
// substitution is never rescanned. Tokens not in env are left as they are.
func Resolve(template string, env Env) string {
	if len(env) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	names := make([]string, 0, len(env))
	for name := range env {
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return template
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	re := regexp.MustCompile(`\{\{(?:` + strings.Join(quoted, "|") + `)\}\}`)
	return re.ReplaceAllStringFunc(template, func(tok string) string {
		return env[tok[2:len(tok)-2]]
	})
}

// Tokens returns the distinct token names referenced by template, in order
// of first appearance.
func Tokens(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func tokenFor(name string) string {
	return "{{" + name + "}}"
}

// Resolver builds per-node variable environments from global variables and
// the results of upstream nodes.
type Resolver struct {
	graph   *Graph
	globals []Variable
	states  *StateStore
}

// NewResolver creates a resolver over a graph snapshot and the run's states.
func NewResolver(graph *Graph, globals []Variable, states *StateStore) *Resolver {
	return &Resolver{graph: graph, globals: globals, states: states}
}

// EnvFor returns the environment seen by nodeID: every global variable, then
// every upstream generate or decision node that completed with a result.
// A global wins over a node of the same name.
func (r *Resolver) EnvFor(nodeID string) Env {
	env := make(Env, len(r.globals))
	for _, v := range r.globals {
		if v.Name == "" {
			continue
		}
		if _, ok := env[v.Name]; !ok {
			env[v.Name] = v.Value
		}
	}
	for _, n := range r.graph.Nodes() {
		if !n.Kind.Executable() || n.Data.VariableName == "" || n.ID == nodeID {
			continue
		}
		if _, taken := env[n.Data.VariableName]; taken {
			continue
		}
		if !r.graph.Reachable(n.ID, nodeID) {
			continue
		}
		st := r.states.Get(n.ID)
		if !st.HasResult() {
			continue
		}
		env[n.Data.VariableName] = ExtractText(st.Result)
	}
	return env
}

// ResolveFor resolves template in nodeID's environment.
func (r *Resolver) ResolveFor(nodeID, template string) string {
	return Resolve(template, r.EnvFor(nodeID))
}
