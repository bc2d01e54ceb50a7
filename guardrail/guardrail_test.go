package guardrail_test

import (
	"testing"

	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/projectwise/guardrail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Build([]catalog.Descriptor{
		{Name: "search", Description: "Search documents."},
		{Name: "delete_project", Description: "Deletes a project. Only if the user explicitly asks."},
	})
	require.NoError(t, err)
	return snap
}

func TestGateAllows(t *testing.T) {
	gate := guardrail.New(nil)
	snap := testSnapshot(t)

	tcases := []struct {
		name     string
		tool     string
		userText string
		exp      bool
	}{
		{"unflagged tool", "search", "please summarize", true},
		{"flagged, no intent", "delete_project", "please summarize", false},
		{"flagged, names tool", "delete_project", "delete_project now", true},
		{"flagged, names tool mixed case", "delete_project", "run Delete_Project please", true},
		{"flagged, action verb", "delete_project", "please delete the old one", true},
		{"unknown tool passes gate", "missing", "anything", true},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, gate.Allows(snap, tc.tool, tc.userText))
		})
	}
}

func TestCustomDetector(t *testing.T) {
	gate := guardrail.New(&guardrail.KeywordDetector{Verbs: []string{"zap"}})
	snap := testSnapshot(t)

	assert.False(t, gate.Allows(snap, "delete_project", "please delete it"))
	assert.True(t, gate.Allows(snap, "delete_project", "zap it"))
}
