package store

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Put(ctx, "projects/p1/manifest.json", bytes.NewBufferString("hello"), 5, "application/json"))

	exists, err := fs.Exists(ctx, "projects/p1/manifest.json")
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := fs.GetSize(ctx, "projects/p1/manifest.json")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	r, err := fs.Get(ctx, "projects/p1/manifest.json")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)

	err = fs.Put(ctx, "../escape", bytes.NewBufferString("x"), 1, "")
	assert.Error(t, err)
}

func TestListWithPrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"logs/run1/stdout.jsonl", "logs/run1/stderr.jsonl", "logs/run2/stdout.jsonl", "other/x"} {
		require.NoError(t, fs.Put(ctx, k, bytes.NewBufferString("x"), 1, ""))
	}

	page, err := fs.List(ctx, "logs/run1/", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.False(t, page.HasMore)

	first, err := fs.List(ctx, "logs/", "", 1)
	require.NoError(t, err)
	assert.Len(t, first.Entries, 1)
	assert.True(t, first.HasMore)

	second, err := fs.List(ctx, "logs/", first.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, second.Entries, 2)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, "nonexistent"))
}

func TestCopyDuplicatesContent(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, "a", bytes.NewBufferString("payload"), 7, ""))
	require.NoError(t, fs.Copy(ctx, "a", "b"))

	r, err := fs.Get(ctx, "b")
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "payload", string(data))
}

func TestPresignURLsCarryExpiry(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)

	url, err := fs.PresignGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "expires=")
}
