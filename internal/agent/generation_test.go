package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationsListAndSweep(t *testing.T) {
	f := newFixture(t)
	c := f.controller()
	require.NoError(t, c.Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))
	require.NoError(t, c.Deploy(t.Context(), f.agent(t, "marketops-static-v2"), false))
	_, err := f.storage.Open(t.Context(), "marketops-static-v3")
	require.NoError(t, err)

	g := NewGenerations(f.storage, f.state)

	infos, err := g.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []GenerationInfo{
		{Name: "marketops-static-v1", Installed: true, Entries: 2},
		{Name: "marketops-static-v2", Active: true, Installed: true, Entries: 2},
		{Name: "marketops-static-v3"},
	}, infos)

	removed, err := g.Sweep(t.Context(), "marketops-static-v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"marketops-static-v1"}, removed)

	names, err := f.storage.Names(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"marketops-static-v2", "marketops-static-v3"}, names)

	state, err := f.state.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"marketops-static-v2"}, state.Installed)
}

func TestSweepAlwaysKeepsActiveGeneration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.controller().Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))

	removed, err := NewGenerations(f.storage, f.state).Sweep(t.Context())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, f.entries(t, "marketops-static-v1"), 2)
}

func TestSweepLeavesCallerSliceUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.controller().Deploy(t.Context(), f.agent(t, "marketops-static-v1"), false))

	keep := make([]string, 1, 4)
	keep[0] = "marketops-static-v0"
	_, err := NewGenerations(f.storage, f.state).Sweep(t.Context(), keep...)
	require.NoError(t, err)

	assert.Equal(t, []string{"marketops-static-v0", ""}, keep[:2])
}

func TestStateStore(t *testing.T) {
	f := newFixture(t)

	state, err := f.state.Load()
	require.NoError(t, err)
	assert.Equal(t, State{}, state)

	require.NoError(t, f.state.MarkInstalled("b-v1"))
	require.NoError(t, f.state.MarkInstalled("a-v1"))
	require.NoError(t, f.state.MarkInstalled("a-v1"))
	require.NoError(t, f.state.SetActive("a-v1"))

	// A second store on the same backend sees the same state
	state, err = NewStateStore(f.backend).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-v1", "b-v1"}, state.Installed)
	assert.Equal(t, "a-v1", state.Active)
	assert.False(t, state.UpdatedAt.IsZero())

	require.NoError(t, f.state.Forget("a-v1"))
	state, err = f.state.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b-v1"}, state.Installed)
	assert.Empty(t, state.Active)
}

func TestStateIsNotAGeneration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetActive("x-v1"))

	names, err := f.storage.Names(t.Context())
	require.NoError(t, err)
	assert.Empty(t, names)
}
