package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/permitgrid/internal/step"
)

func TestBuild(t *testing.T) {
	t.Run("valid pipeline", func(t *testing.T) {
		specs := []*step.Spec{
			{ID: "parse_notice"},
			{ID: "route", DependsOn: []string{"parse_notice"}},
			{ID: "zoning", DependsOn: []string{"route"}},
			{ID: "obc", DependsOn: []string{"route"}},
			{ID: "package", DependsOn: []string{"zoning", "obc"}},
		}
		g, err := Build(specs)
		require.NoError(t, err)
		assert.Equal(t, 5, g.Len())

		deps, err := g.Dependencies("package")
		require.NoError(t, err)
		assert.Equal(t, []string{"obc", "zoning"}, deps)
	})

	t.Run("cycle is a configuration error", func(t *testing.T) {
		specs := []*step.Spec{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		}
		_, err := Build(specs)
		assert.ErrorContains(t, err, "cycle detected")
	})

	t.Run("unknown dependency is a configuration error", func(t *testing.T) {
		specs := []*step.Spec{{ID: "a", DependsOn: []string{"ghost"}}}
		_, err := Build(specs)
		assert.ErrorContains(t, err, "not found")
	})
}

func TestAddEdge(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("b")

	require.NoError(t, g.AddEdge("a", "b"))

	deps, err := g.Dependencies("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deps)

	dependents, err := g.Dependents("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, dependents)

	assert.ErrorContains(t, g.AddEdge("a", "a"), "self-referential")
	assert.ErrorContains(t, g.AddEdge("dne", "a"), "source node not found")
	assert.ErrorContains(t, g.AddEdge("a", "dne"), "destination node not found")
}

func TestTiers(t *testing.T) {
	t.Run("diamond levels correctly", func(t *testing.T) {
		g := New()
		for _, id := range []string{"parse", "zoning", "fire", "package"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("parse", "zoning"))
		require.NoError(t, g.AddEdge("parse", "fire"))
		require.NoError(t, g.AddEdge("zoning", "package"))
		require.NoError(t, g.AddEdge("fire", "package"))

		tiers, err := g.Tiers()
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"parse"}, {"fire", "zoning"}, {"package"}}, tiers)
	})

	t.Run("node joins the tier after its deepest dependency", func(t *testing.T) {
		// a -> b -> d, a -> d: d must land in tier 2, not tier 1.
		g := New()
		for _, id := range []string{"a", "b", "d"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "d"))
		require.NoError(t, g.AddEdge("a", "d"))

		tiers, err := g.Tiers()
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a"}, {"b"}, {"d"}}, tiers)
	})

	t.Run("independent nodes share tier zero", func(t *testing.T) {
		g := New()
		g.AddNode("x")
		g.AddNode("y")

		tiers, err := g.Tiers()
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"x", "y"}}, tiers)
	})
}

func TestTransitiveDependents(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("b", "d"))
	require.NoError(t, g.AddEdge("a", "e"))

	downstream, err := g.TransitiveDependents("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, downstream)

	downstream, err = g.TransitiveDependents("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "e"}, downstream)
}

func TestDetectCycles(t *testing.T) {
	t.Run("valid dag passes", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("a", "c"))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("indirect cycle is detected", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c"} {
			g.AddNode(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("c", "a"))
		assert.ErrorContains(t, g.DetectCycles(), "cycle detected")
	})
}
