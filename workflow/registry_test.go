package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
)

func TestRegistry_PutGetList(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(&scriptedClient{})

	_, err := reg.Put(nil)
	require.Error(t, err)

	def := newDef([]Node{genNode("A", "a")}, nil)
	def.ID = "wf-b"
	e1, err := reg.Put(def)
	require.NoError(t, err)

	anon := newDef([]Node{genNode("A", "a")}, nil)
	anon.ID = ""
	e2, err := reg.Put(anon)
	require.NoError(t, err)
	assert.NotEmpty(t, e2.ID())

	got, ok := reg.Get("wf-b")
	require.True(t, ok)
	assert.Same(t, e1, got)
	assert.Equal(t, 2, reg.Len())
	assert.Contains(t, reg.List(), "wf-b")

	_, err = reg.MustGet("nope")
	assert.Equal(t, types.ErrWorkflowNotFound, types.GetErrorCode(err))
}

func TestRegistry_PutReplacesDefinitionOfSameID(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(&scriptedClient{})

	def := newDef([]Node{genNode("A", "a")}, nil)
	e1, err := reg.Put(def)
	require.NoError(t, err)

	next := newDef([]Node{genNode("A", "a"), genNode("B", "b")}, nil)
	e2, err := reg.Put(next)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Len(t, e1.Definition().Nodes, 2)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RemoveAndCancelAll(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	client := &scriptedClient{reply: func(*generation.Request) (string, error) {
		close(started)
		<-release
		return "x", nil
	}}
	reg := NewRegistry(client)
	eng, err := reg.Put(newDef([]Node{genNode("A", "a"), genNode("B", "b")}, []Edge{flow("A", "B")}))
	require.NoError(t, err)

	_, done, err := eng.Start(context.Background())
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, reg.Active())

	err = reg.Remove(eng.ID())
	assert.Equal(t, types.ErrRunInProgress, types.GetErrorCode(err))

	assert.Equal(t, 1, reg.CancelAll())
	close(release)
	res := <-done
	assert.Equal(t, RunCanceled, res.Record.Status)

	require.NoError(t, reg.Remove(eng.ID()))
	assert.Zero(t, reg.Len())
	assert.Equal(t, types.ErrWorkflowNotFound, types.GetErrorCode(reg.Remove(eng.ID())))
}
