package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentcanvas/api"
	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/persistence"
	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

const demoWorkflow = `{
  "id": "wf-1",
  "name": "Demo",
  "nodes": [
    {"id": "A", "type": "generate", "data": {"userPrompt": "Write about cats", "variableName": "a"}},
    {"id": "B", "type": "generate", "data": {"userPrompt": "Summarize {{a}}", "variableName": "b"}},
    {"id": "D", "type": "decision", "data": {"instructions": "Is {{a}} positive?", "choices": ["yes", "no"], "variableName": "d"}}
  ],
  "edges": [
    {"source": "A", "sourceHandle": "output", "target": "B", "targetHandle": "input"},
    {"source": "A", "sourceHandle": "output", "target": "D", "targetHandle": "input"}
  ],
  "variables": []
}`

type testEnv struct {
	mux      *http.ServeMux
	registry *workflow.Registry
	store    *persistence.MemoryRunStore
	calls    *atomic.Int32
	gate     chan struct{}
}

// newTestEnv 构造挂载了工作流与运行记录路由的 mux。gate 非 nil 时模型调用会阻塞到 gate 关闭
func newTestEnv(t *testing.T, blocking bool) *testEnv {
	t.Helper()
	env := &testEnv{calls: &atomic.Int32{}}
	if blocking {
		env.gate = make(chan struct{})
	}
	client := generation.ClientFunc(func(ctx context.Context, req *generation.Request) (string, error) {
		env.calls.Add(1)
		if env.gate != nil {
			<-env.gate
		}
		if strings.Contains(req.SystemPrompt, "yes") {
			return "yes", nil
		}
		return "ok:" + req.NodeID, nil
	})

	env.store = persistence.NewMemoryRunStore(100)
	env.registry = workflow.NewRegistry(client,
		workflow.WithRunStore(env.store),
		workflow.WithLogger(zap.NewNop()))
	env.mux = http.NewServeMux()
	NewWorkflowHandler(env.registry, zap.NewNop()).Register(env.mux)
	NewRunHandler(env.store, zap.NewNop()).Register(env.mux)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	return w
}

func (env *testEnv) putDemo(t *testing.T) {
	t.Helper()
	w := env.do(t, http.MethodPut, "/api/v1/workflows/wf-1", demoWorkflow)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

type respEnvelope[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Error   *ErrorInfo `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) respEnvelope[T] {
	t.Helper()
	var out respEnvelope[T]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

// =============================================================================
// 🧪 定义管理
// =============================================================================

func TestWorkflowHandler_PutGetList(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	def := decode[workflow.Definition](t, w)
	assert.Equal(t, "Demo", def.Data.Name)
	assert.Len(t, def.Data.Nodes, 3)

	w = env.do(t, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]api.WorkflowSummary](t, w)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "wf-1", list.Data[0].ID)
	assert.Equal(t, 3, list.Data[0].Nodes)
	assert.Equal(t, 2, list.Data[0].Edges)
	assert.False(t, list.Data[0].Running)
}

func TestWorkflowHandler_PathIDOverridesBody(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPut, "/api/v1/workflows/other", demoWorkflow)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := env.registry.Get("other")
	assert.True(t, ok)
	_, ok = env.registry.Get("wf-1")
	assert.False(t, ok)
}

func TestWorkflowHandler_CreateRejectsDuplicateID(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/workflows", demoWorkflow)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/workflows", demoWorkflow)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowHandler_YAML(t *testing.T) {
	env := newTestEnv(t, false)
	body := `
id: wf-yaml
nodes:
  - id: A
    type: generate
    data:
      userPrompt: hello
      variableName: a
`
	r := httptest.NewRequest(http.MethodPut, "/api/v1/workflows/wf-yaml", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/yaml")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-yaml?format=yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "yaml")
	assert.Contains(t, w.Body.String(), "userPrompt: hello")
}

func TestWorkflowHandler_BadBody(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPut, "/api/v1/workflows/wf-1", `{"nodes": [`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_Validate(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/validate", demoWorkflow)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[api.ValidateResponse](t, w).Data.Valid)

	invalid := `{"nodes": [
	  {"id": "A", "type": "generate", "data": {"userPrompt": "  "}},
	  {"id": "B", "type": "generate", "data": {"userPrompt": "uses {{missing}}"}}
	]}`
	w = env.do(t, http.MethodPost, "/api/v1/workflows/validate", invalid)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[api.ValidateResponse](t, w)
	assert.False(t, resp.Data.Valid)
	assert.GreaterOrEqual(t, len(resp.Data.Violations), 2, "every violation is reported")
	assert.Equal(t, 0, env.registry.Len(), "validate does not register")
}

func TestWorkflowHandler_Delete(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodDelete, "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowHandler_UnknownWorkflow(t *testing.T) {
	env := newTestEnv(t, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/workflows/nope"},
		{http.MethodPost, "/api/v1/workflows/nope/runs"},
		{http.MethodGet, "/api/v1/workflows/nope/state"},
		{http.MethodGet, "/api/v1/workflows/nope/logs"},
		{http.MethodPost, "/api/v1/workflows/nope/cancel"},
	} {
		w := env.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.Equal(t, string(types.ErrWorkflowNotFound), decode[any](t, w).Error.Code)
	}
}

// =============================================================================
// 🧪 运行
// =============================================================================

func TestWorkflowHandler_RunSync(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[workflow.RunRecord](t, w).Data
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.Len(t, rec.Nodes, 3)
	assert.EqualValues(t, 3, env.calls.Load())

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+rec.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.RunID, decode[workflow.RunRecord](t, w).Data.RunID)

	w = env.do(t, http.MethodGet, "/api/v1/runs?workflow_id=wf-1&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[api.RunListResponse](t, w).Data.Runs, 1)
}

func TestWorkflowHandler_RunWithRunIDAndVariables(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", `{"run_id": "run-42", "variables": {}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "run-42", decode[workflow.RunRecord](t, w).Data.RunID)
}

func TestWorkflowHandler_RunInvalidMakesNoCalls(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPut, "/api/v1/workflows/bad",
		`{"nodes": [{"id": "A", "type": "generate", "data": {"userPrompt": ""}}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/bad/runs", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[any](t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Violations)
	assert.Zero(t, env.calls.Load())
}

func TestWorkflowHandler_AsyncRunAndOverlapRefused(t *testing.T) {
	env := newTestEnv(t, true)
	env.putDemo(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", `{"async": true}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[api.RunAccepted](t, w).Data
	assert.NotEmpty(t, accepted.RunID)
	assert.Equal(t, "/api/v1/workflows/wf-1/state", accepted.StateURL)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrRunInProgress), decode[any](t, w).Error.Code)

	w = env.do(t, http.MethodPut, "/api/v1/workflows/wf-1", demoWorkflow)
	assert.Equal(t, http.StatusConflict, w.Code, "definition is frozen during a run")

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[api.StateResponse](t, w).Data
	assert.True(t, state.Running)
	assert.Equal(t, accepted.RunID, state.RunID)

	close(env.gate)
	require.Eventually(t, func() bool {
		e, _ := env.registry.Get("wf-1")
		return !e.Running()
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := env.store.GetRun(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, rec.Status)
}

func TestWorkflowHandler_Cancel(t *testing.T) {
	env := newTestEnv(t, true)
	env.putDemo(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[api.CancelResponse](t, w).Data.Canceled, "nothing to cancel")

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", `{"async": true}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode[api.RunAccepted](t, w).Data.RunID
	require.Eventually(t, func() bool { return env.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[api.CancelResponse](t, w).Data.Canceled)

	close(env.gate)
	require.Eventually(t, func() bool {
		rec, err := env.store.GetRun(context.Background(), runID)
		return err == nil && rec.Status == workflow.RunCanceled
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, env.calls.Load(), "no node is scheduled after cancel")
}

func TestWorkflowHandler_ExecuteNode(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/D/execute", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(types.ErrNodeNotReady), decode[any](t, w).Error.Code)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/missing/execute", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/A/execute?chain=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/A/execute", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, env.calls.Load(), "without chain only the node runs")

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/D/execute", "")
	require.Equal(t, http.StatusOK, w.Code, "decision runs once its input completed")

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/nodes/A/execute?chain=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5, env.calls.Load(), "chain continues into B and D")
}

func TestWorkflowHandler_RenameVariable(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodPut, "/api/v1/workflows/wf-1/nodes/A/variable", `{"name": "story"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	def := decode[workflow.Definition](t, w).Data
	for _, n := range def.Nodes {
		if n.ID == "B" {
			assert.Equal(t, "Summarize {{story}}", n.Data.UserPrompt)
		}
	}

	w = env.do(t, http.MethodPut, "/api/v1/workflows/wf-1/nodes/A/variable", `{"name": "b"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrVariableConflict), decode[any](t, w).Error.Code)
}

func TestWorkflowHandler_StateAndLogs(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/wf-1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[api.StateResponse](t, w).Data
	assert.False(t, state.Running)
	assert.Empty(t, state.InFlight)
	require.Len(t, state.Nodes, 2+1)
	for _, n := range state.Nodes {
		assert.Equal(t, workflow.StateIdle, n.State)
	}

	w = env.do(t, http.MethodPost, "/api/v1/workflows/wf-1/runs", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-1/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[api.LogsResponse](t, w).Data
	require.NotEmpty(t, logs.Entries)
	assert.Equal(t, len(logs.Entries), logs.Next)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-1/logs?since=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	tail := decode[api.LogsResponse](t, w).Data
	assert.Len(t, tail.Entries, len(logs.Entries)-1)
	assert.Equal(t, logs.Next, tail.Next)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/wf-1/logs?since=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// 🧪 事件流
// =============================================================================

func TestWorkflowHandler_Stream(t *testing.T) {
	env := newTestEnv(t, false)
	env.putDemo(t)
	srv := httptest.NewServer(env.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/workflows/wf-1/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp, err := http.Post(srv.URL+"/api/v1/workflows/wf-1/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []workflow.StreamEvent
	for {
		var ev workflow.StreamEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		got = append(got, ev)
		if ev.Type == workflow.EventRunComplete {
			break
		}
	}
	assert.Equal(t, workflow.EventRunStart, got[0].Type)
	assert.Equal(t, workflow.RunCompleted, got[len(got)-1].Status)

	var states int
	for _, ev := range got {
		if ev.Type == workflow.EventNodeState {
			states++
		}
	}
	assert.Equal(t, 6, states, "processing and completed for each of three nodes")
}
