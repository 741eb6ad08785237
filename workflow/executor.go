package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
	"go.uber.org/zap"
)

// Input is what a node is executed with, after variable resolution.
type Input struct {
	SystemPrompt string
	UserPrompt   string
	// Context is upstream text shown to a decision node ahead of its choices.
	Context string
	Files   []FileRef
}

// Outcome is the settled result of one node execution.
type Outcome struct {
	State     NodeState
	Selection *Selection
	Err       error
	Duration  time.Duration
}

// NodeExecutor performs the generation call for one node and records the
// state transitions and log entries around it.
type NodeExecutor struct {
	client       generation.Client
	states       *StateStore
	log          *ExecutionLog
	emit         StreamEmitter
	defaultModel string
	logger       *zap.Logger
}

// NewNodeExecutor creates an executor. emit may be nil.
func NewNodeExecutor(client generation.Client, states *StateStore, log *ExecutionLog, emit StreamEmitter, defaultModel string, logger *zap.Logger) *NodeExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(StreamEvent) {}
	}
	return &NodeExecutor{
		client:       client,
		states:       states,
		log:          log,
		emit:         emit,
		defaultModel: defaultModel,
		logger:       logger.With(zap.String("component", "node_executor")),
	}
}

// Execute runs n. The node moves to processing before the call and always
// settles as completed or error afterwards, even if routing or an emitter
// panics. Errors are recorded on the node, never returned to the traversal.
// The call is detached from ctx cancellation: canceling a run stops
// scheduling, not the call in flight.
func (x *NodeExecutor) Execute(ctx context.Context, n *Node, in Input) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = x.settlePanic(n, start, r)
		}
	}()
	x.publish(x.states.Begin(n.ID))
	x.log.Append(SeverityInfo, n, fmt.Sprintf("Executing %s node", n.Kind))

	req := &generation.Request{
		SystemPrompt:    in.SystemPrompt,
		UserPrompt:      in.UserPrompt,
		Model:           x.modelFor(n),
		Files:           toGenerationFiles(in.Files),
		SearchGrounding: n.Data.SearchGrounding,
		MapsGrounding:   n.Data.MapsGrounding,
		NodeID:          n.ID,
	}
	if n.Kind == NodeDecision {
		req.SystemPrompt = DecisionSystemPrompt(in.Context, n.Data.Choices)
		req.SearchGrounding, req.MapsGrounding = false, false
	}

	text, err := x.dispatch(context.WithoutCancel(ctx), req)
	out = Outcome{Duration: time.Since(start)}
	if err != nil {
		out.Err = err
		out.State = x.states.Fail(n.ID, errorText(err))
		x.publish(out.State)
		x.log.Append(SeverityError, n, out.State.Result)
		x.logger.Warn("node execution failed",
			zap.String("node_id", n.ID),
			zap.String("node_type", string(n.Kind)),
			zap.Duration("duration", out.Duration),
			zap.Error(err),
		)
		return out
	}

	if n.Kind == NodeDecision {
		sel := Route(n.Data.Choices, text)
		out.Selection = &sel
		out.State = x.states.Complete(n.ID, text, sel.Choice, sel.Handle)
		x.publish(out.State)
		x.log.Append(SeveritySuccess, n, fmt.Sprintf("Decision: %s", sel.Choice))
	} else {
		out.State = x.states.Complete(n.ID, text, "", "")
		x.publish(out.State)
		x.log.Append(SeveritySuccess, n, "Completed")
	}

	x.logger.Debug("node execution completed",
		zap.String("node_id", n.ID),
		zap.Duration("duration", out.Duration),
	)
	return out
}

// settlePanic moves a node left in processing by a panic to error. A node
// that already settled keeps its state.
func (x *NodeExecutor) settlePanic(n *Node, start time.Time, r any) Outcome {
	x.logger.Error("node execution panicked",
		zap.String("node_id", n.ID),
		zap.Any("panic", r),
	)
	out := Outcome{State: x.states.Get(n.ID), Duration: time.Since(start)}
	if out.State.State != StateProcessing {
		return out
	}
	out.Err = types.NewError(types.ErrInternalError, fmt.Sprintf("panic while executing node: %v", r))
	out.State = x.states.Fail(n.ID, errorText(out.Err))
	x.log.Append(SeverityError, n, out.State.Result)
	func() {
		defer func() { _ = recover() }()
		x.publish(out.State)
	}()
	return out
}

// dispatch calls the client and turns a panic into an error.
func (x *NodeExecutor) dispatch(ctx context.Context, req *generation.Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("panic during generation call: %v", r))
		}
	}()
	if x.client == nil {
		return "", types.NewError(types.ErrInternalError, "no generation client configured")
	}
	return x.client.Generate(ctx, req)
}

func (x *NodeExecutor) publish(st NodeState) {
	s := st
	x.emit(StreamEvent{Type: EventNodeState, NodeID: st.NodeID, State: &s})
}

func (x *NodeExecutor) modelFor(n *Node) string {
	if m := strings.TrimSpace(n.Data.Model); m != "" {
		return m
	}
	return x.defaultModel
}

// DecisionSystemPrompt builds the system prompt of a decision node: upstream
// context, the numbered choices plus Else, and the instruction to answer with
// exactly one of them.
func DecisionSystemPrompt(upstream string, choices []string) string {
	var b strings.Builder
	if c := strings.TrimSpace(upstream); c != "" {
		b.WriteString("Context:\n")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	b.WriteString("You are a decision step in a workflow. Pick exactly one of these options:\n")
	i := 0
	for _, c := range choices {
		if strings.TrimSpace(c) == "" {
			continue
		}
		i++
		fmt.Fprintf(&b, "%d. %s\n", i, c)
	}
	fmt.Fprintf(&b, "%d. Else\n\n", i+1)
	b.WriteString("Answer with only the text of the chosen option and nothing else. ")
	b.WriteString("Answer \"Else\" if none of the other options apply.")
	return b.String()
}

func errorText(err error) string {
	if e, ok := types.AsError(err); ok {
		if e.HTTPStatus != 0 {
			return fmt.Sprintf("Error: %s (HTTP %d)", e.Message, e.HTTPStatus)
		}
		return "Error: " + e.Message
	}
	return "Error: " + err.Error()
}

func toGenerationFiles(files []FileRef) []generation.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]generation.File, len(files))
	for i, f := range files {
		out[i] = generation.File{URL: f.URL, Name: f.Name, MimeType: f.MimeType}
	}
	return out
}
