package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	artifactstore "github.com/taskforge/taskforge/pkg/artifact/store"
	"github.com/taskforge/taskforge/pkg/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	blobs, err := artifactstore.NewFilesystemBlobs(t.TempDir())
	require.NoError(t, err)
	db, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(blobs, db, DefaultLimits), db
}

func TestIngestRejectsPathTraversal(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Ingest(context.Background(), "p1", []ExtractMember{
		{Path: "../../etc/passwd", Data: []byte("x")},
	})
	assert.Error(t, err)
}

func TestIngestRejectsOversizeAndTooManyFiles(t *testing.T) {
	svc, _ := newTestService(t)
	svc.limits = Limits{MaxExtractSize: 10, MaxExtractFiles: 100}
	err := svc.Ingest(context.Background(), "p1", []ExtractMember{
		{Path: "a.txt", Data: []byte("0123456789abcdef")},
	})
	assert.Error(t, err)

	svc2, _ := newTestService(t)
	svc2.limits = Limits{MaxExtractSize: 1 << 20, MaxExtractFiles: 1}
	err = svc2.Ingest(context.Background(), "p1", []ExtractMember{
		{Path: "a.txt", Data: []byte("a")},
		{Path: "b.txt", Data: []byte("b")},
	})
	assert.Error(t, err)
}

func TestIngestSkipsIgnoredPaths(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Ingest(context.Background(), "p1", []ExtractMember{
		{Path: "main.py", Data: []byte("print(1)")},
		{Path: ".git/HEAD", Data: []byte("ref: refs/heads/main")},
	})
	require.NoError(t, err)

	ctx := context.Background()
	exists, err := svc.blobs.Exists(ctx, draftPrefix("p1")+"main.py")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = svc.blobs.Exists(ctx, draftPrefix("p1")+".git/HEAD")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPublishProducesManifestAndIncrementsVersion(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, "p1", []ExtractMember{
		{Path: "main.py", Data: []byte("print('hi')")},
		{Path: "lib/util.py", Data: []byte("def f(): pass")},
	}))

	m1, err := svc.Publish(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Version)
	assert.Equal(t, 2, m1.FileCount)

	m2, err := svc.Publish(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Version)

	latest, err := db.LatestVersion("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
}

func TestPublishMarksExistingNodeProjectsStale(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Ingest(ctx, "p1", []ExtractMember{{Path: "a.py", Data: []byte("x")}}))
	_, err := svc.Publish(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, svc.RecordDistribution("w1", "p1", "h1", 1, "grpc", nil))

	_, err = svc.Publish(ctx, "p1")
	require.NoError(t, err)

	np, err := db.GetNodeProject("w1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "stale", string(np.Status))
}

func TestOpenMemberReadsFromPublishedZip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Ingest(ctx, "p1", []ExtractMember{{Path: "a.py", Data: []byte("hello world")}}))
	_, err := svc.Publish(ctx, "p1")
	require.NoError(t, err)

	r, err := svc.OpenMember(ctx, "p1", 1, "a.py")
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 11)
	n, _ := r.Read(buf)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestRecordDistributionIncrementsSyncCount(t *testing.T) {
	svc, db := newTestService(t)
	require.NoError(t, svc.RecordDistribution("w1", "p1", "h1", 10, "grpc", nil))
	require.NoError(t, svc.RecordDistribution("w1", "p1", "h2", 20, "grpc", nil))

	np, err := db.GetNodeProject("w1", "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, np.SyncCount)
	assert.Equal(t, "h2", np.FileHash)
}
