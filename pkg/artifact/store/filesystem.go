package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// FilesystemBlobs implements Blobs on top of the local filesystem. It is the
// reference implementation for local development and tests; it has no
// durability or replication guarantees beyond the host filesystem's own.
type FilesystemBlobs struct {
	root string
	mu   sync.Mutex // not used: presigned URLs keep no server-side state
}

// NewFilesystemBlobs roots a blob store at dir, creating it if necessary.
func NewFilesystemBlobs(dir string) (*FilesystemBlobs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("artifact store: create root: %w", err)
	}
	return &FilesystemBlobs{root: dir}, nil
}

func (f *FilesystemBlobs) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", taskerr.New(taskerr.KindValidation, "illegal key: "+key)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FilesystemBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *FilesystemBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, taskerr.New(taskerr.KindValidation, "no such key: "+key)
	}
	return file, err
}

func (f *FilesystemBlobs) GetSize(_ context.Context, key string) (int64, error) {
	p, err := f.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *FilesystemBlobs) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *FilesystemBlobs) List(_ context.Context, prefix, cursor string, maxKeys int) (Page, error) {
	root, err := f.path(prefix)
	if err != nil {
		// prefix need not resolve to an existing node; list beneath the
		// nearest existing ancestor directory and filter.
		root = filepath.Join(f.root, filepath.Clean("/"+prefix))
	}
	base := filepath.Dir(root)
	if _, statErr := os.Stat(base); os.IsNotExist(statErr) {
		return Page{}, nil
	}

	var all []Entry
	err = filepath.Walk(f.root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(f.root, p)
		if relErr != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		all = append(all, Entry{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	start := 0
	if cursor != "" {
		n, parseErr := strconv.Atoi(cursor)
		if parseErr == nil {
			start = n
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + maxKeys
	hasMore := end < len(all)
	if end > len(all) || maxKeys <= 0 {
		end = len(all)
		hasMore = false
	}

	page := Page{Entries: all[start:end], HasMore: hasMore}
	if hasMore {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FilesystemBlobs) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FilesystemBlobs) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := f.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// PresignPut returns a file:// URL bearing an expiry query parameter. There
// is no enforcement layer for it; it exists so callers written against the
// Blobs interface (including tests) exercise the same code path regardless
// of backend.
func (f *FilesystemBlobs) PresignPut(_ context.Context, key string, ttl time.Duration, _ string) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("file://%s?expires=%d", p, time.Now().Add(ttl).Unix()), nil
}

func (f *FilesystemBlobs) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return f.PresignPut(context.Background(), key, ttl, "")
}

func (f *FilesystemBlobs) Copy(ctx context.Context, src, dst string) error {
	r, err := f.Get(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	size, err := f.GetSize(ctx, src)
	if err != nil {
		return err
	}
	return f.Put(ctx, dst, r, size, "")
}
