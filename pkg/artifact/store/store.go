// Package store is the Artifact Store Client: an abstraction over a
// byte-blob store keyed by forward-slash paths. It makes no assumption of
// strong list consistency — callers must tolerate a short read-your-writes
// lag after a put.
package store

import (
	"context"
	"io"
	"time"
)

// Entry is one object returned by a List call.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Page is one page of a List call, with a cursor for continuation.
type Page struct {
	Entries    []Entry
	NextCursor string
	HasMore    bool
}

// Blobs is the interface every Taskforge component uses to reach the byte
// store, whether that's S3-compatible object storage in production or a
// filesystem-backed implementation for local development and tests.
type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetSize(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	List(ctx context.Context, prefix, cursor string, maxKeys int) (Page, error)

	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error

	PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	Copy(ctx context.Context, src, dst string) error
}
