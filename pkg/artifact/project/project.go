// Package project implements the Project Artifact Service: draft
// ingest, version snapshot on publish, version reads, and per-Worker
// distribution tracking. It sits on top of pkg/artifact/store for the byte
// blobs and pkg/store for the Project/NodeProject/Manifest records.
package project

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	artifactstore "github.com/taskforge/taskforge/pkg/artifact/store"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// Limits bounds extraction of an uploaded compressed project.
type Limits struct {
	MaxExtractSize  int64 // total bytes across all extracted files
	MaxExtractFiles int   // total file count
}

// DefaultLimits matches the values the web API enforces by default.
var DefaultLimits = Limits{
	MaxExtractSize:  500 << 20, // 500 MiB
	MaxExtractFiles: 10_000,
}

// IgnorePatterns excludes VCS and build metadata from both extraction and
// packaging; matched with doublestar so '**' traverses directory levels.
var IgnorePatterns = []string{"**/.git/**", "**/__pycache__/**", "**/.DS_Store"}

// Service implements the project artifact lifecycle.
type Service struct {
	blobs  artifactstore.Blobs
	db     store.Store
	limits Limits
}

// New builds a Service over blobs and db.
func New(blobs artifactstore.Blobs, db store.Store, limits Limits) *Service {
	return &Service{blobs: blobs, db: db, limits: limits}
}

// draftPrefix is the object-store prefix holding a project's unpacked draft
// tree.
func draftPrefix(projectID string) string { return path.Join("projects", projectID, "draft") + "/" }

func versionManifestKey(projectID string, version int) string {
	return path.Join("projects", projectID, "versions", strconv.Itoa(version), "manifest.json")
}

func versionZipKey(projectID string, version int) string {
	return path.Join("projects", projectID, "versions", strconv.Itoa(version), "artifact.zip")
}

// ExtractMember is one file inside an uploaded compressed project. Mode is
// the archive entry's mode; DecodeArchive never emits a link-type member,
// but Ingest re-checks so hand-built member lists are policed too.
type ExtractMember struct {
	Path string
	Data []byte
	Mode fs.FileMode
}

func matchesIgnore(p string) bool {
	for _, pat := range IgnorePatterns {
		if ok, _ := doublestar.Match(pat, p); ok {
			return true
		}
	}
	return false
}

// Ingest unpacks an uploaded compressed project's members into the draft
// prefix, enforcing the extraction bounds before writing anything.
func (s *Service) Ingest(ctx context.Context, projectID string, members []ExtractMember) error {
	var totalSize int64
	count := 0
	for _, m := range members {
		if matchesIgnore(m.Path) {
			continue
		}
		if m.Mode&fs.ModeSymlink != 0 {
			return taskerr.New(taskerr.KindValidation, "symlink-present")
		}
		if err := validateMemberPath(m.Path); err != nil {
			return err
		}
		count++
		totalSize += int64(len(m.Data))
	}
	if count > s.limits.MaxExtractFiles {
		return taskerr.New(taskerr.KindValidation, "too-many-files")
	}
	if totalSize > s.limits.MaxExtractSize {
		return taskerr.New(taskerr.KindValidation, "oversize")
	}

	prefix := draftPrefix(projectID)
	for _, m := range members {
		if matchesIgnore(m.Path) {
			continue
		}
		key := path.Join(prefix, m.Path)
		if err := s.blobs.Put(ctx, key, bytes.NewReader(m.Data), int64(len(m.Data)), ""); err != nil {
			return fmt.Errorf("ingest %s: %w", m.Path, err)
		}
	}
	return nil
}

// validateMemberPath rejects absolute paths and traversal. Link-type
// entries are rejected by DecodeArchive (by entry type) and by Ingest (by
// member mode); this only polices the path shape.
func validateMemberPath(p string) error {
	if p == "" {
		return taskerr.New(taskerr.KindValidation, "illegal-path")
	}
	if path.IsAbs(p) {
		return taskerr.New(taskerr.KindValidation, "illegal-path")
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return taskerr.New(taskerr.KindValidation, "illegal-path")
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return taskerr.New(taskerr.KindValidation, "illegal-path")
		}
	}
	return nil
}

// Publish walks the draft tree, hashes every member, writes a manifest and
// an artifact.zip under a newly-minted monotonic version, and returns it.
func (s *Service) Publish(ctx context.Context, projectID string) (*types.Manifest, error) {
	prefix := draftPrefix(projectID)
	var entries []types.ManifestEntry
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)

	cursor := ""
	for {
		page, err := s.blobs.List(ctx, prefix, cursor, 500)
		if err != nil {
			return nil, fmt.Errorf("publish: list draft: %w", err)
		}
		for _, e := range page.Entries {
			rel := strings.TrimPrefix(e.Key, prefix)
			r, err := s.blobs.Get(ctx, e.Key)
			if err != nil {
				return nil, fmt.Errorf("publish: read %s: %w", rel, err)
			}
			data, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				return nil, fmt.Errorf("publish: read %s: %w", rel, err)
			}

			sum := sha256.Sum256(data)
			entries = append(entries, types.ManifestEntry{
				Path:  rel,
				Hash:  hex.EncodeToString(sum[:]),
				Size:  e.Size,
				Mtime: e.LastModified,
			})

			zf, err := zw.Create(rel)
			if err != nil {
				return nil, fmt.Errorf("publish: zip %s: %w", rel, err)
			}
			if _, err := zf.Write(data); err != nil {
				return nil, fmt.Errorf("publish: zip %s: %w", rel, err)
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("publish: finalize zip: %w", err)
	}

	latest, err := s.db.LatestVersion(projectID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	version := latest + 1

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	manifest := &types.Manifest{Version: version, Files: entries, TotalSize: total, FileCount: len(entries)}

	manifestJSON, err := manifestToJSON(manifest)
	if err != nil {
		return nil, err
	}
	if err := s.blobs.Put(ctx, versionManifestKey(projectID, version), bytes.NewReader(manifestJSON), int64(len(manifestJSON)), "application/json"); err != nil {
		return nil, fmt.Errorf("publish: write manifest: %w", err)
	}
	if err := s.blobs.Put(ctx, versionZipKey(projectID, version), bytes.NewReader(zipBuf.Bytes()), int64(zipBuf.Len()), "application/zip"); err != nil {
		return nil, fmt.Errorf("publish: write zip: %w", err)
	}
	if err := s.db.PutManifest(projectID, manifest); err != nil {
		return nil, fmt.Errorf("publish: record manifest: %w", err)
	}

	if err := s.db.MarkProjectStale(projectID); err != nil {
		return nil, fmt.Errorf("publish: mark stale: %w", err)
	}

	return manifest, nil
}

// ReadVersion returns the manifest for (project, version). Pass version 0
// for "latest".
func (s *Service) ReadVersion(_ context.Context, projectID string, version int) (*types.Manifest, error) {
	if version == 0 {
		latest, err := s.db.LatestVersion(projectID)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	return s.db.GetManifest(projectID, version)
}

// OpenMember opens one file out of a published version's artifact.zip:
// the archive is opened in memory, then the single member is streamed.
func (s *Service) OpenMember(ctx context.Context, projectID string, version int, memberPath string) (io.ReadCloser, error) {
	r, err := s.blobs.Get(ctx, versionZipKey(projectID, version))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == memberPath {
			return f.Open()
		}
	}
	return nil, taskerr.New(taskerr.KindValidation, "no such member: "+memberPath)
}

// RecordDistribution upserts the NodeProject row for (worker, project) after
// a successful build delivery.
func (s *Service) RecordDistribution(workerID, projectID, fileHash string, fileSize int64, transferMethod string, files []types.FileSync) error {
	np := &types.NodeProject{
		WorkerRef:       workerID,
		ProjectPublicID: projectID,
		FileHash:        fileHash,
		FileSize:        fileSize,
		TransferMethod:  transferMethod,
		SyncedAt:        time.Now().UTC(),
		Status:          types.NodeProjectSynced,
		LastUsedAt:      time.Now().UTC(),
		Files:           files,
	}
	existing, err := s.db.GetNodeProject(workerID, projectID)
	if err == nil {
		np.SyncCount = existing.SyncCount + 1
	} else if err != store.ErrNotFound {
		return err
	} else {
		np.SyncCount = 1
	}
	return s.db.UpsertNodeProject(np)
}
