package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
)

// Registry is a thread-safe set of engines keyed by workflow id. Every engine
// it creates shares the same generation client and engine options.
type Registry struct {
	client  generation.Client
	opts    []Option
	engines map[string]*Engine
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(client generation.Client, opts ...Option) *Registry {
	return &Registry{
		client:  client,
		opts:    opts,
		engines: make(map[string]*Engine),
	}
}

// Put creates an engine for def, or replaces the definition of the engine
// already registered under def.ID. Replacing is refused while that workflow
// runs. A definition without an id gets a generated one.
func (r *Registry) Put(def *Definition) (*Engine, error) {
	if def == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "definition is required").
			WithHTTPStatus(types.HTTPStatusFor(types.ErrInvalidRequest))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[def.ID]; ok && def.ID != "" {
		if err := e.UpdateDefinition(def); err != nil {
			return nil, err
		}
		return e, nil
	}
	e := NewEngine(def, r.client, r.opts...)
	r.engines[e.ID()] = e
	return e, nil
}

// Get retrieves an engine by workflow id.
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// MustGet is Get returning a WORKFLOW_NOT_FOUND error.
func (r *Registry) MustGet(id string) (*Engine, error) {
	if e, ok := r.Get(id); ok {
		return e, nil
	}
	return nil, types.NewError(types.ErrWorkflowNotFound, fmt.Sprintf("workflow %q not found", id)).
		WithHTTPStatus(types.HTTPStatusFor(types.ErrWorkflowNotFound))
}

// List returns the sorted ids of all registered workflows.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove unregisters a workflow. It is refused while the workflow runs.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	if !ok {
		return types.NewError(types.ErrWorkflowNotFound, fmt.Sprintf("workflow %q not found", id)).
			WithHTTPStatus(types.HTTPStatusFor(types.ErrWorkflowNotFound))
	}
	if !e.guard.TryStartRun() {
		return types.NewError(types.ErrRunInProgress, "cannot remove a running workflow").
			WithHTTPStatus(types.HTTPStatusFor(types.ErrRunInProgress))
	}
	defer e.guard.FinishRun()
	delete(r.engines, id)
	return nil
}

// CancelAll cancels every active run and reports how many were active.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.engines {
		if e.Cancel() {
			n++
		}
	}
	return n
}

// Active returns the number of workflows with a run in progress.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.engines {
		if e.Running() {
			n++
		}
	}
	return n
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
