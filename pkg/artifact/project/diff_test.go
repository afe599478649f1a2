package project

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskforge/taskforge/pkg/types"
)

func TestDiffManifestsClassifiesChanges(t *testing.T) {
	from := &types.Manifest{Files: []types.ManifestEntry{
		{Path: "a.py", Hash: "h1"},
		{Path: "b.py", Hash: "h2"},
	}}
	to := &types.Manifest{Files: []types.ManifestEntry{
		{Path: "a.py", Hash: "h1"},     // reused
		{Path: "b.py", Hash: "h2-new"}, // changed
		{Path: "c.py", Hash: "h3"},     // added
	}}

	d := DiffManifests(from, to)
	assert.ElementsMatch(t, []string{"c.py"}, d.Added)
	assert.ElementsMatch(t, []string{"b.py"}, d.Changed)
	assert.ElementsMatch(t, []string{"a.py"}, d.Reused)
	assert.Empty(t, d.Removed)
}

func TestNeedsSyncWhenHashDiffersOrStale(t *testing.T) {
	assert.True(t, NeedsSync(nil, nil, "x"))

	synced := &types.NodeProject{Status: types.NodeProjectSynced, FileHash: "h1"}
	assert.False(t, NeedsSync(synced, nil, "h1"))
	assert.True(t, NeedsSync(synced, nil, "h2"))

	stale := &types.NodeProject{Status: types.NodeProjectStale, FileHash: "h1"}
	assert.True(t, NeedsSync(stale, nil, "h1"))
}
