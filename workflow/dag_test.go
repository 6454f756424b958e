package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

func steps(ids ...string) []Step {
	out := make([]Step, len(ids))
	for i, id := range ids {
		out[i] = Step{ID: id, Type: "action"}
	}
	return out
}

// diamond builds: a -> b, a -> c, (b, c) -> d
func diamond() []Step {
	return []Step{
		{ID: "a", Type: "action"},
		{ID: "b", Type: "action", DependsOn: []string{"a"}},
		{ID: "c", Type: "action", DependsOn: []string{"a"}},
		{ID: "d", Type: "action", DependsOn: []string{"b", "c"}},
	}
}

func TestBuild_Diamond(t *testing.T) {
	t.Parallel()

	g, err := Build(diamond())
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"a"}, g.RootSteps())
	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependents("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependencies("d"))
}

func TestBuild_CycleDetected(t *testing.T) {
	t.Parallel()

	cyclic := []Step{
		{ID: "a", Type: "action", DependsOn: []string{"c"}},
		{ID: "b", Type: "action", DependsOn: []string{"a"}},
		{ID: "c", Type: "action", DependsOn: []string{"b"}},
	}

	_, err := Build(cyclic)
	require.Error(t, err)
	assert.Equal(t, types.ErrCycle, types.GetErrorCode(err))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Steps)
}

func TestBuild_SelfCycle(t *testing.T) {
	t.Parallel()

	_, err := Build([]Step{{ID: "a", Type: "action", DependsOn: []string{"a"}}})
	require.Error(t, err)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a"}, cycle.Steps)
}

func TestBuild_UnknownDependency(t *testing.T) {
	t.Parallel()

	_, err := Build([]Step{{ID: "a", Type: "action", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinition, types.GetErrorCode(err))
}

func TestGraph_ReadySteps(t *testing.T) {
	t.Parallel()

	g, err := Build(diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, g.ReadySteps(map[string]bool{}))
	assert.Equal(t, []string{"b", "c"}, g.ReadySteps(map[string]bool{"a": true}))
	assert.Equal(t, []string{"c"}, g.ReadySteps(map[string]bool{"a": true, "b": true}))
	assert.Equal(t, []string{"d"}, g.ReadySteps(map[string]bool{"a": true, "b": true, "c": true}))
	assert.Empty(t, g.ReadySteps(map[string]bool{"a": true, "b": true, "c": true, "d": true}))
}

func TestGraph_TopologicalOrder(t *testing.T) {
	t.Parallel()

	g, err := Build(diamond())
	require.NoError(t, err)

	order := g.TopologicalOrder()
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestGraph_IndependentSteps(t *testing.T) {
	t.Parallel()

	g, err := Build(steps("x", "y", "z"))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, g.RootSteps())
	assert.Equal(t, []string{"x", "y", "z"}, g.ReadySteps(map[string]bool{}))
	assert.Empty(t, g.Dependents("x"))
}
