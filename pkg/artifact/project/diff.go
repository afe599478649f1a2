package project

import "github.com/taskforge/taskforge/pkg/types"

// DiffResult is the manifest diff between two versions: the set of
// paths that changed between two published versions, used to let a Worker
// pull only the deltas instead of a full re-sync.
type DiffResult struct {
	Added    []string
	Changed  []string
	Removed  []string
	Reused   []string // unchanged; the worker can keep its local copy
}

// DiffManifests compares from (the Worker's currently synced manifest) to to
// (the latest published manifest) by path and hash.
func DiffManifests(from, to *types.Manifest) DiffResult {
	fromIdx := make(map[string]string, len(from.Files))
	for _, f := range from.Files {
		fromIdx[f.Path] = f.Hash
	}
	toIdx := make(map[string]string, len(to.Files))
	for _, f := range to.Files {
		toIdx[f.Path] = f.Hash
	}

	var d DiffResult
	for path, hash := range toIdx {
		oldHash, existed := fromIdx[path]
		switch {
		case !existed:
			d.Added = append(d.Added, path)
		case oldHash != hash:
			d.Changed = append(d.Changed, path)
		default:
			d.Reused = append(d.Reused, path)
		}
	}
	for path := range fromIdx {
		if _, stillPresent := toIdx[path]; !stillPresent {
			d.Removed = append(d.Removed, path)
		}
	}
	return d
}

// NeedsSync reports whether a Worker holding fileHash for project should
// pull a new copy, per the NodeProject file_hash comparison.
func NeedsSync(np *types.NodeProject, latest *types.Manifest, latestHash string) bool {
	if np == nil {
		return true
	}
	if np.Status == types.NodeProjectStale {
		return true
	}
	return np.FileHash != latestHash
}
