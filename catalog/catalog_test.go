package catalog_test

import (
	"testing"

	"github.com/effective-security/projectwise/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objSchema(props map[string]any, required []string, additional any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if required != nil {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	if additional != nil {
		s["additionalProperties"] = additional
	}
	return s
}

func TestBuild(t *testing.T) {
	snap, err := catalog.Build([]catalog.Descriptor{
		{
			Name:        "search_projects",
			Description: "Search projects by keyword.",
			Schema: objSchema(map[string]any{
				"query": map[string]any{"type": "string"},
			}, []string{"query"}, nil),
		},
		{
			Name:        "delete_project",
			Description: "Deletes a project. Only if the user explicitly asks.",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, []string{"delete_project", "search_projects"}, snap.Names())

	e, ok := snap.Get("Search_Projects")
	require.True(t, ok)
	assert.Equal(t, "search_projects", e.Name)
	assert.False(t, e.RequiresExplicitIntent)

	e, ok = snap.Get("delete_project")
	require.True(t, ok)
	assert.True(t, e.RequiresExplicitIntent)

	_, ok = snap.Get("unknown")
	assert.False(t, ok)
}

func TestBuildDuplicateNames(t *testing.T) {
	_, err := catalog.Build([]catalog.Descriptor{
		{Name: "Search", Description: "a"},
		{Name: "search", Description: "b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestBuildEmptyName(t *testing.T) {
	_, err := catalog.Build([]catalog.Descriptor{{Name: "  "}})
	require.Error(t, err)
}

func TestBuildHardensMissingSchema(t *testing.T) {
	snap, err := catalog.Build([]catalog.Descriptor{
		{Name: "ping", Description: "liveness"},
	})
	require.NoError(t, err)
	e, _ := snap.Get("ping")
	assert.Equal(t, "object", e.Schema["type"])
	out, err := e.Validate(map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)
}

func TestBuildFlattensNestedPropertiesWithoutAliasing(t *testing.T) {
	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}
	snap, err := catalog.Build([]catalog.Descriptor{
		{Name: "search", Description: "find", Schema: raw},
	})
	require.NoError(t, err)

	e, _ := snap.Get("search")
	props, ok := e.Schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")

	// the caller's map keeps its original nesting
	original, ok := raw["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, original, "properties")
	assert.NotContains(t, original, "query")
}

func TestNilSnapshot(t *testing.T) {
	var snap *catalog.Snapshot
	assert.Equal(t, 0, snap.Len())
	assert.Nil(t, snap.Names())
	_, ok := snap.Get("any")
	assert.False(t, ok)
}
