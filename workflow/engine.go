package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
)

const instrumentationName = "github.com/BaSui01/agentcanvas/workflow"

// VariablePrompter supplies the value of an askBeforeRun variable for one run.
type VariablePrompter interface {
	Prompt(ctx context.Context, v Variable) (string, error)
}

// PrompterFunc adapts a function to VariablePrompter.
type PrompterFunc func(ctx context.Context, v Variable) (string, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, v Variable) (string, error) {
	return f(ctx, v)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunStore persists every finished run.
func WithRunStore(store RunStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithObserver reports run and node metrics.
func WithObserver(o RunObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithPrompter asks for askBeforeRun variables.
func WithPrompter(p VariablePrompter) Option {
	return func(e *Engine) { e.prompter = p }
}

// WithDefaultModel sets the model used by nodes that name none.
func WithDefaultModel(model string) Option {
	return func(e *Engine) { e.defaultModel = model }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBuffer sets the per-subscriber stream buffer.
func WithEventBuffer(n int) Option {
	return func(e *Engine) { e.events = NewBroadcaster(n) }
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	variables map[string]string
	runID     string
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithVariables overrides global variable values for one run. Overridden
// variables are not prompted for.
func WithVariables(values map[string]string) RunOption {
	return func(o *runOptions) {
		if o.variables == nil {
			o.variables = make(map[string]string, len(values))
		}
		for k, v := range values {
			o.variables[k] = v
		}
	}
}

// Engine runs one workflow. It owns the workflow's node states, execution
// log, event stream and concurrency guard; at most one run or manual
// execution is active at a time.
type Engine struct {
	id           string
	client       generation.Client
	guard        *Guard
	states       *StateStore
	events       *Broadcaster
	store        RunStore
	observer     RunObserver
	prompter     VariablePrompter
	defaultModel string
	logger       *zap.Logger
	tracer       trace.Tracer

	mu     sync.RWMutex
	def    *Definition
	log    *ExecutionLog
	runID  string
	cancel context.CancelFunc
}

// NewEngine creates an engine for def. The definition is copied; later
// changes go through UpdateDefinition or RenameVariable.
func NewEngine(def *Definition, client generation.Client, opts ...Option) *Engine {
	if def == nil {
		def = &Definition{}
	}
	e := &Engine{
		def:    def.Clone(),
		client: client,
		states: NewStateStore(),
		events: NewBroadcaster(0),
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.id = e.def.ID
	if e.id == "" {
		e.id = uuid.NewString()
		e.def.ID = e.id
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"), zap.String("workflow_id", e.id))
	e.guard = NewGuard(e.logger)
	e.log = NewExecutionLog(nil)
	e.states.Reset(executableIDs(e.def))
	return e
}

// ID returns the workflow id.
func (e *Engine) ID() string { return e.id }

// Run executes the whole workflow: validation, state reset and traversal from
// every start node. A refused or invalid run returns a nil record. A canceled
// or panicked run returns its record together with the error.
func (e *Engine) Run(ctx context.Context, opts ...RunOption) (*RunRecord, error) {
	p, err := e.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p.finish()
}

// RunResult is the outcome of a run started with Start.
type RunResult struct {
	Record *RunRecord
	Err    error
}

// Start validates and admits a run like Run, then traverses in the
// background. Refusal and validation errors are returned synchronously. The
// channel yields exactly one result and is then closed.
func (e *Engine) Start(ctx context.Context, opts ...RunOption) (string, <-chan RunResult, error) {
	p, err := e.begin(ctx, opts)
	if err != nil {
		return "", nil, err
	}
	done := make(chan RunResult, 1)
	go func() {
		defer close(done)
		rec, err := p.finish()
		done <- RunResult{Record: rec, Err: err}
	}()
	return p.runID, done, nil
}

// pendingRun is an admitted, validated run whose traversal has not started.
// It holds the run slot of the guard until finish returns. Its cancel func
// is registered with the engine as soon as it is admitted.
type pendingRun struct {
	e      *Engine
	ctx    context.Context
	cancel context.CancelFunc
	runID  string
	runner *runner
	starts []string
}

func (e *Engine) begin(ctx context.Context, opts []RunOption) (_ *pendingRun, err error) {
	if !e.guard.TryStartRun() {
		e.rejected()
		return nil, types.NewError(types.ErrRunInProgress, "workflow is already running").
			WithHTTPStatus(types.HTTPStatusFor(types.ErrRunInProgress))
	}
	defer func() {
		if err != nil {
			e.guard.FinishRun()
		}
	}()

	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}

	def := e.Definition()
	if err := e.applyVariables(ctx, def, ro.variables); err != nil {
		return nil, err
	}

	if verr := Validate(def); verr != nil {
		log := e.startLog("")
		g := def.Graph()
		for _, v := range verr.Violations {
			node, _ := g.Node(v.NodeID)
			log.Append(SeverityError, node, v.Message)
		}
		e.logger.Info("workflow validation failed", zap.Int("violations", len(verr.Violations)))
		return nil, verr
	}

	runID := ro.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	e.states.Reset(executableIDs(def))
	log := e.startLog(runID)

	r := e.newRunner(runID, def, log)
	starts := r.planner.StartNodes()
	ids := make([]string, len(starts))
	for i, n := range starts {
		ids[i] = n.ID
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.setRun(runID, cancel)
	return &pendingRun{e: e, ctx: runCtx, cancel: cancel, runID: runID, runner: r, starts: ids}, nil
}

func (p *pendingRun) finish() (*RunRecord, error) {
	e := p.e
	defer e.guard.FinishRun()
	defer func() {
		p.cancel()
		e.setRun(p.runID, nil)
	}()

	e.logger.Info("workflow run started", zap.String("run_id", p.runID), zap.Int("start_nodes", len(p.starts)))
	return e.drive(p.ctx, p.runner, "workflow.run", func(ctx context.Context) error {
		return p.runner.traverse(ctx, p.starts)
	})
}

// ExecuteNode runs a single node on demand, keeping every other node's state.
// Generate nodes always run; a decision node must have all of its inputs
// completed. With chain set, traversal continues from the node's successors.
func (e *Engine) ExecuteNode(ctx context.Context, nodeID string, chain bool) (*RunRecord, error) {
	if !e.guard.TryStartRun() {
		e.rejected()
		return nil, types.NewError(types.ErrRunInProgress, "workflow is already running").
			WithHTTPStatus(types.HTTPStatusFor(types.ErrRunInProgress))
	}
	defer e.guard.FinishRun()

	def := e.Definition()
	g := def.Graph()
	n, ok := g.Node(nodeID)
	if !ok {
		return nil, types.NewError(types.ErrNodeNotFound, fmt.Sprintf("node %q not found", nodeID)).
			WithHTTPStatus(types.HTTPStatusFor(types.ErrNodeNotFound))
	}
	if !n.Kind.Executable() {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("node %q of type %s cannot be executed", nodeID, n.Kind)).
			WithHTTPStatus(types.HTTPStatusFor(types.ErrInvalidRequest))
	}
	if err := e.applyVariables(ctx, def, nil); err != nil {
		return nil, err
	}
	if verr := Validate(def); verr != nil {
		var own []Violation
		for _, v := range verr.Violations {
			if v.NodeID == nodeID {
				own = append(own, v)
			}
		}
		if len(own) > 0 {
			return nil, &ValidationError{Violations: own}
		}
	}
	if n.Kind == NodeDecision {
		if gate, reason := NewPlanner(g).Gate(n, e.states); gate != GateReady {
			return nil, types.NewError(types.ErrNodeNotReady, fmt.Sprintf("node %q cannot run yet: %s", nodeID, reason)).
				WithHTTPStatus(types.HTTPStatusFor(types.ErrNodeNotReady))
		}
	}

	runID := uuid.NewString()
	log := e.currentLog(runID)

	ctx, cancel := context.WithCancel(ctx)
	e.setRun(runID, cancel)
	defer func() {
		cancel()
		e.setRun(runID, nil)
	}()

	r := e.newRunner(runID, def, log)
	e.logger.Info("manual node execution",
		zap.String("run_id", runID),
		zap.String("node_id", nodeID),
		zap.Bool("chain", chain),
	)
	return e.drive(ctx, r, "workflow.node.manual", func(ctx context.Context) error {
		next := r.visit(ctx, n)
		if !chain {
			return nil
		}
		return r.traverse(ctx, next)
	})
}

// drive runs body, then records, persists and announces the outcome.
func (e *Engine) drive(ctx context.Context, r *runner, spanName string, body func(context.Context) error) (*RunRecord, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("workflow.id", e.id),
			attribute.String("workflow.run_id", r.runID),
		))
	defer span.End()

	e.events.Publish(StreamEvent{Type: EventRunStart, RunID: r.runID, Status: RunRunning})
	r.log.Append(SeverityInfo, nil, "Workflow started")

	status, err := e.guarded(ctx, body)
	switch status {
	case RunCanceled:
		r.log.Append(SeverityWarning, nil, "Workflow canceled")
	case RunFailed:
		r.log.Append(SeverityError, nil, fmt.Sprintf("Workflow failed: %v", err))
	default:
		r.log.Append(SeverityInfo, nil, "Workflow finished")
	}

	rec := r.record(status, started, err)
	rec.WorkflowID = e.id
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("workflow.status", string(status)),
		attribute.Int("workflow.nodes", len(rec.Nodes)),
	)

	if e.store != nil {
		if serr := e.store.SaveRun(context.WithoutCancel(ctx), rec); serr != nil {
			e.logger.Error("failed to save run record", zap.String("run_id", r.runID), zap.Error(serr))
		}
	}
	if e.observer != nil {
		e.observer.RecordRun(string(status), rec.Duration)
	}
	e.events.Publish(StreamEvent{Type: EventRunComplete, RunID: r.runID, Status: status})

	e.logger.Info("workflow run finished",
		zap.String("run_id", r.runID),
		zap.String("status", string(status)),
		zap.Int("nodes", len(rec.Nodes)),
		zap.Int("failed", rec.Failed()),
		zap.Duration("duration", rec.Duration),
	)

	switch status {
	case RunCanceled:
		return rec, types.NewError(types.ErrRunCanceled, "workflow run canceled").
			WithCause(err).
			WithHTTPStatus(types.HTTPStatusFor(types.ErrRunCanceled))
	case RunFailed:
		return rec, err
	}
	return rec, nil
}

// guarded runs body and turns a panic into a failed status.
func (e *Engine) guarded(ctx context.Context, body func(context.Context) error) (status RunStatus, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("workflow runner panicked", zap.Any("panic", p))
			status = RunFailed
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("workflow runner panicked: %v", p)).
				WithHTTPStatus(types.HTTPStatusFor(types.ErrInternalError))
		}
	}()
	if err := body(ctx); err != nil {
		if ctx.Err() != nil {
			return RunCanceled, err
		}
		return RunFailed, err
	}
	return RunCompleted, nil
}

func (e *Engine) newRunner(runID string, def *Definition, log *ExecutionLog) *runner {
	g := def.Graph()
	emit := func(ev StreamEvent) {
		ev.RunID = runID
		e.events.Publish(ev)
	}
	return &runner{
		runID:    runID,
		graph:    g,
		planner:  NewPlanner(g),
		resolver: NewResolver(g, def.Variables, e.states),
		executor: NewNodeExecutor(e.client, e.states, log, emit, e.defaultModel, e.logger),
		guard:    e.guard,
		states:   e.states,
		log:      log,
		observer: e.observer,
		tracer:   e.tracer,
		logger:   e.logger.With(zap.String("run_id", runID)),
		visited:  make(map[string]bool),
		waiting:  make(map[string]string),
	}
}

// applyVariables fills run-time variable values: explicit overrides first,
// then the prompter for askBeforeRun variables.
func (e *Engine) applyVariables(ctx context.Context, def *Definition, overrides map[string]string) error {
	for i := range def.Variables {
		v := &def.Variables[i]
		if val, ok := overrides[v.Name]; ok {
			v.Value = val
			continue
		}
		if !v.AskBeforeRun || e.prompter == nil {
			continue
		}
		val, err := e.prompter.Prompt(ctx, *v)
		if err != nil {
			return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("no value for variable %q", v.Name)).
				WithCause(err).
				WithHTTPStatus(types.HTTPStatusFor(types.ErrInvalidRequest))
		}
		v.Value = val
	}
	for name := range overrides {
		if _, ok := def.Variable(name); !ok {
			e.logger.Debug("ignoring override for unknown variable", zap.String("variable", name))
		}
	}
	return nil
}

// startLog replaces the execution log with an empty one.
func (e *Engine) startLog(runID string) *ExecutionLog {
	log := NewExecutionLog(e.logEmitter(runID))
	e.mu.Lock()
	e.log = log
	e.mu.Unlock()
	return log
}

// currentLog keeps the existing log for a manual execution, re-pointing its
// stream events at runID.
func (e *Engine) currentLog(runID string) *ExecutionLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.mu.Lock()
	e.log.onAdd = e.logEmitter(runID)
	e.log.mu.Unlock()
	return e.log
}

func (e *Engine) logEmitter(runID string) func(LogEntry) {
	return func(entry LogEntry) {
		en := entry
		e.events.Publish(StreamEvent{Type: EventLog, RunID: runID, NodeID: entry.NodeID, Log: &en})
	}
}

func (e *Engine) setRun(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runID = runID
	e.cancel = cancel
}

func (e *Engine) rejected() {
	if e.observer != nil {
		e.observer.RecordGuardRejection("run")
	}
}

// Cancel stops scheduling new nodes in the active run. The node currently
// executing settles normally. It reports whether a run was active.
func (e *Engine) Cancel() bool {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	e.logger.Info("workflow run cancel requested")
	return true
}

// Running reports whether a run or manual execution is active.
func (e *Engine) Running() bool {
	return e.guard.Running()
}

// RunID returns the id of the latest run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// InFlight returns the nodes currently executing.
func (e *Engine) InFlight() []string {
	return e.guard.InFlight()
}

// Definition returns a copy of the current definition.
func (e *Engine) Definition() *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def.Clone()
}

// UpdateDefinition replaces the definition. It is refused during a run.
func (e *Engine) UpdateDefinition(def *Definition) error {
	if def == nil {
		return types.NewError(types.ErrInvalidRequest, "definition is required")
	}
	if err := e.holdForEdit(); err != nil {
		return err
	}
	defer e.guard.FinishRun()
	c := def.Clone()
	c.ID = e.id
	e.mu.Lock()
	e.def = c
	e.mu.Unlock()
	e.states.Reset(executableIDs(c))
	return nil
}

// RenameVariable renames an executable node's variable and rewrites its
// tokens across the workflow. It is refused during a run.
func (e *Engine) RenameVariable(nodeID, name string) error {
	if err := e.holdForEdit(); err != nil {
		return err
	}
	defer e.guard.FinishRun()
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.def.Clone()
	if err := c.RenameVariable(nodeID, name); err != nil {
		return err
	}
	e.def = c
	return nil
}

// holdForEdit takes the run slot so no run can be admitted while the
// definition changes. The caller releases it with guard.FinishRun.
func (e *Engine) holdForEdit() error {
	if !e.guard.TryStartRun() {
		return types.NewError(types.ErrRunInProgress, "cannot change the workflow while it is running").
			WithHTTPStatus(types.HTTPStatusFor(types.ErrRunInProgress))
	}
	return nil
}

// States returns node states in definition order.
func (e *Engine) States() []NodeState {
	return e.states.List()
}

// State returns one node's state.
func (e *Engine) State(nodeID string) NodeState {
	return e.states.Get(nodeID)
}

// Log returns the current execution log.
func (e *Engine) Log() *ExecutionLog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.log
}

// Subscribe streams state, log and run events until cancel is called.
func (e *Engine) Subscribe() (<-chan StreamEvent, func()) {
	return e.events.Subscribe()
}

func executableIDs(def *Definition) []string {
	ids := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Kind.Executable() {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
