package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
)

func newTestExecutor(client generation.Client) (*NodeExecutor, *StateStore, *ExecutionLog, *[]StreamEvent) {
	states := NewStateStore()
	log := NewExecutionLog(nil)
	var events []StreamEvent
	x := NewNodeExecutor(client, states, log, func(ev StreamEvent) { events = append(events, ev) }, "default-model", nil)
	return x, states, log, &events
}

func TestNodeExecutor_PlaceholderDuringCall(t *testing.T) {
	t.Parallel()
	var seen NodeState
	var states *StateStore
	client := generation.ClientFunc(func(_ context.Context, req *generation.Request) (string, error) {
		seen = states.Get(req.NodeID)
		return "final", nil
	})
	x, st, log, events := newTestExecutor(client)
	states = st

	n := genNode("A", "go")
	out := x.Execute(context.Background(), &n, Input{UserPrompt: "go"})

	assert.Equal(t, StateProcessing, seen.State)
	assert.Equal(t, ProcessingPlaceholder, seen.Result)
	assert.Equal(t, StateCompleted, out.State.State)
	assert.Equal(t, "final", st.Get("A").Result)
	assert.NoError(t, out.Err)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, SeverityInfo, entries[0].Severity)
	assert.Equal(t, "Executing generate node", entries[0].Message)
	assert.Equal(t, SeveritySuccess, entries[1].Severity)
	require.Len(t, *events, 2)
	assert.Equal(t, StateProcessing, (*events)[0].State.State)
}

func TestNodeExecutor_RequestShape(t *testing.T) {
	t.Parallel()
	var got *generation.Request
	client := generation.ClientFunc(func(_ context.Context, req *generation.Request) (string, error) {
		got = req
		return "ok", nil
	})
	x, _, _, _ := newTestExecutor(client)

	n := genNode("A", "u")
	n.Data.SearchGrounding = true
	x.Execute(context.Background(), &n, Input{
		SystemPrompt: "sys",
		UserPrompt:   "user",
		Files:        []FileRef{{URL: "u", Name: "n", MimeType: "text/plain"}},
	})
	require.NotNil(t, got)
	assert.Equal(t, "sys", got.SystemPrompt)
	assert.Equal(t, "user", got.UserPrompt)
	assert.Equal(t, "default-model", got.Model)
	assert.True(t, got.SearchGrounding)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "text/plain", got.Files[0].MimeType)

	n.Data.Model = "custom"
	x.Execute(context.Background(), &n, Input{UserPrompt: "user"})
	assert.Equal(t, "custom", got.Model)
}

func TestNodeExecutor_DecisionPromptAndSelection(t *testing.T) {
	t.Parallel()
	var got *generation.Request
	client := generation.ClientFunc(func(_ context.Context, req *generation.Request) (string, error) {
		got = req
		return "no", nil
	})
	x, st, log, _ := newTestExecutor(client)

	d := decisionNode("D", "Yes", "No")
	d.Data.SearchGrounding = true
	out := x.Execute(context.Background(), &d, Input{UserPrompt: "Is it raining?", Context: "weather:\ncloudy"})

	require.NotNil(t, out.Selection)
	assert.Equal(t, ChoiceHandle(1), out.Selection.Handle)
	assert.Equal(t, "No", st.Get("D").SelectedChoice)
	assert.Equal(t, "Is it raining?", got.UserPrompt)
	assert.False(t, got.SearchGrounding, "decisions never ground")
	assert.Contains(t, got.SystemPrompt, "Context:\nweather:\ncloudy")
	assert.Contains(t, got.SystemPrompt, "1. Yes\n2. No\n3. Else")
	assert.Equal(t, "Decision: No", log.Entries()[1].Message)
}

func TestNodeExecutor_ErrorSettles(t *testing.T) {
	t.Parallel()
	client := generation.ClientFunc(func(context.Context, *generation.Request) (string, error) {
		return "", generation.MapHTTPError(429, "slow down")
	})
	x, st, log, _ := newTestExecutor(client)

	n := genNode("A", "go")
	out := x.Execute(context.Background(), &n, Input{UserPrompt: "go"})

	require.Error(t, out.Err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(out.Err))
	assert.Equal(t, StateError, st.Get("A").State)
	assert.Equal(t, "Error: slow down (HTTP 429)", st.Get("A").Result)
	assert.Equal(t, SeverityError, log.Entries()[1].Severity)
}

func TestNodeExecutor_NilClientAndPanic(t *testing.T) {
	t.Parallel()

	x, st, _, _ := newTestExecutor(nil)
	n := genNode("A", "go")
	out := x.Execute(context.Background(), &n, Input{UserPrompt: "go"})
	assert.Error(t, out.Err)
	assert.Equal(t, StateError, st.Get("A").State)

	x, st, _, _ = newTestExecutor(generation.ClientFunc(func(context.Context, *generation.Request) (string, error) {
		panic("kaboom")
	}))
	out = x.Execute(context.Background(), &n, Input{UserPrompt: "go"})
	assert.Error(t, out.Err)
	assert.True(t, strings.Contains(st.Get("A").Result, "kaboom"))
}

func TestNodeExecutor_PanickingEmitterStillSettles(t *testing.T) {
	t.Parallel()

	panicOn := func(state ExecutionState) StreamEmitter {
		return func(ev StreamEvent) {
			if ev.State != nil && ev.State.State == state {
				panic("emitter down")
			}
		}
	}
	client := generation.ClientFunc(func(context.Context, *generation.Request) (string, error) {
		return "yes", nil
	})

	t.Run("before the call", func(t *testing.T) {
		states := NewStateStore()
		log := NewExecutionLog(nil)
		x := NewNodeExecutor(client, states, log, panicOn(StateProcessing), "", nil)
		n := genNode("A", "go")

		var out Outcome
		require.NotPanics(t, func() { out = x.Execute(context.Background(), &n, Input{UserPrompt: "go"}) })
		require.Error(t, out.Err)
		assert.Equal(t, types.ErrInternalError, types.GetErrorCode(out.Err))
		assert.Equal(t, StateError, states.Get("A").State)
		assert.Contains(t, states.Get("A").Result, "emitter down")
		assert.Equal(t, SeverityError, log.Entries()[len(log.Entries())-1].Severity)
	})

	t.Run("after settling", func(t *testing.T) {
		states := NewStateStore()
		x := NewNodeExecutor(client, states, NewExecutionLog(nil), panicOn(StateCompleted), "", nil)
		n := decisionNode("D", "Yes", "No")

		var out Outcome
		require.NotPanics(t, func() { out = x.Execute(context.Background(), &n, Input{}) })
		assert.NoError(t, out.Err)
		assert.Equal(t, StateCompleted, out.State.State)
		assert.Equal(t, "Yes", states.Get("D").SelectedChoice)
	})
}

func TestNodeExecutor_CallIgnoresRunCancellation(t *testing.T) {
	t.Parallel()
	client := generation.ClientFunc(func(ctx context.Context, _ *generation.Request) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "ok", nil
	})
	x, st, _, _ := newTestExecutor(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := genNode("A", "go")
	x.Execute(ctx, &n, Input{UserPrompt: "go"})
	assert.Equal(t, StateCompleted, st.Get("A").State)
}

func TestDecisionSystemPrompt_SkipsEmptyChoices(t *testing.T) {
	t.Parallel()
	p := DecisionSystemPrompt("", []string{"A", " ", "B"})
	assert.NotContains(t, p, "Context:")
	assert.Contains(t, p, "1. A\n2. B\n3. Else")
}
