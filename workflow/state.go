package workflow

import (
	"sync"
	"time"
)

// ExecutionState is the per-run lifecycle of an executable node.
type ExecutionState string

const (
	StateIdle       ExecutionState = "idle"
	StateProcessing ExecutionState = "processing"
	StateCompleted  ExecutionState = "completed"
	StateError      ExecutionState = "error"
)

// Terminal reports whether the node has settled in this run.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// ProcessingPlaceholder is the result shown while a node's call is in flight.
const ProcessingPlaceholder = "Processing..."

// NodeState is the run-scoped mutable part of a node. On error, Result holds
// the human-readable error text.
type NodeState struct {
	NodeID         string         `json:"nodeId"`
	State          ExecutionState `json:"executionState"`
	Result         string         `json:"result,omitempty"`
	SelectedChoice string         `json:"selectedChoice,omitempty"`
	SelectedHandle string         `json:"selectedHandle,omitempty"`
	StartedAt      time.Time      `json:"startedAt,omitempty"`
	FinishedAt     time.Time      `json:"finishedAt,omitempty"`
}

// HasResult reports whether the state carries a usable result for variable
// substitution.
func (s NodeState) HasResult() bool {
	return s.State == StateCompleted && s.Result != "" && s.Result != ProcessingPlaceholder
}

// StateStore holds node states for one engine. Every transition replaces a
// node's whole NodeState under the lock, so readers never see a half-applied
// transition.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]NodeState
	order  []string
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]NodeState)}
}

// Reset puts every given node back to idle and drops prior results.
func (s *StateStore) Reset(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]NodeState, len(ids))
	s.order = append(s.order[:0], ids...)
	for _, id := range ids {
		s.states[id] = NodeState{NodeID: id, State: StateIdle}
	}
}

// Get returns the state of id. Unknown nodes are idle.
func (s *StateStore) Get(id string) NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[id]; ok {
		return st
	}
	return NodeState{NodeID: id, State: StateIdle}
}

// Begin moves id to processing with the placeholder result.
func (s *StateStore) Begin(id string) NodeState {
	return s.set(NodeState{
		NodeID:    id,
		State:     StateProcessing,
		Result:    ProcessingPlaceholder,
		StartedAt: time.Now(),
	})
}

// Complete settles id as completed.
func (s *StateStore) Complete(id, result, choice, handle string) NodeState {
	return s.settle(id, StateCompleted, result, choice, handle)
}

// Fail settles id as error with message as its result.
func (s *StateStore) Fail(id, message string) NodeState {
	return s.settle(id, StateError, message, "", "")
}

func (s *StateStore) settle(id string, state ExecutionState, result, choice, handle string) NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.states[id]
	st := NodeState{
		NodeID:         id,
		State:          state,
		Result:         result,
		SelectedChoice: choice,
		SelectedHandle: handle,
		StartedAt:      prev.StartedAt,
		FinishedAt:     time.Now(),
	}
	s.store(st)
	return st
}

func (s *StateStore) set(st NodeState) NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(st)
	return st
}

func (s *StateStore) store(st NodeState) {
	if _, ok := s.states[st.NodeID]; !ok {
		s.order = append(s.order, st.NodeID)
	}
	s.states[st.NodeID] = st
}

// Snapshot returns a copy of every node state keyed by node id.
func (s *StateStore) Snapshot() map[string]NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// List returns node states in reset order.
func (s *StateStore) List() []NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.states[id])
	}
	return out
}
