package project

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildZipWithSymlink(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	hdr := &zip.FileHeader{Name: "evil-link"}
	hdr.SetMode(fs.ModeSymlink | 0o777)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("/etc/passwd"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTarGz(t *testing.T, entries []*tar.Header, bodies map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range entries {
		require.NoError(t, tw.WriteHeader(hdr))
		if body, ok := bodies[hdr.Name]; ok {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDecodeZipRoundTrip(t *testing.T) {
	raw := buildZip(t, map[string]string{"main.py": "print(1)", "lib/util.py": "pass"})

	members, err := DecodeArchive(raw, "zip", DefaultLimits)
	require.NoError(t, err)
	require.Len(t, members, 2)

	byPath := map[string]string{}
	for _, m := range members {
		byPath[m.Path] = string(m.Data)
	}
	assert.Equal(t, "print(1)", byPath["main.py"])
	assert.Equal(t, "pass", byPath["lib/util.py"])
}

func TestDecodeZipRejectsSymlink(t *testing.T) {
	raw := buildZipWithSymlink(t)

	_, err := DecodeArchive(raw, "zip", DefaultLimits)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindValidation, taskerr.KindOf(err))
	assert.Contains(t, err.Error(), "symlink-present")
}

func TestDecodeTarGzRejectsLinks(t *testing.T) {
	symlink := buildTarGz(t, []*tar.Header{
		{Name: "ok.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2},
		{Name: "evil", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
	}, map[string]string{"ok.txt": "ok"})
	_, err := DecodeArchive(symlink, "tar.gz", DefaultLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink-present")

	hardlink := buildTarGz(t, []*tar.Header{
		{Name: "dup", Typeflag: tar.TypeLink, Linkname: "ok.txt"},
	}, nil)
	_, err = DecodeArchive(hardlink, "tgz", DefaultLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink-present")
}

func TestDecodeTarGzRejectsSpecialFiles(t *testing.T) {
	fifo := buildTarGz(t, []*tar.Header{
		{Name: "pipe", Typeflag: tar.TypeFifo},
	}, nil)
	_, err := DecodeArchive(fifo, "tar.gz", DefaultLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported-format")
}

func TestDecodeUnknownFormat(t *testing.T) {
	_, err := DecodeArchive([]byte("not an archive"), "rar", DefaultLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported-format")
}

func TestDecodeEnforcesBounds(t *testing.T) {
	raw := buildZip(t, map[string]string{"big.bin": "0123456789abcdef"})
	_, err := DecodeArchive(raw, "zip", Limits{MaxExtractSize: 10, MaxExtractFiles: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oversize")

	raw = buildZip(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	_, err = DecodeArchive(raw, "zip", Limits{MaxExtractSize: 1 << 20, MaxExtractFiles: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too-many-files")
}

func TestIngestArchive(t *testing.T) {
	svc, _ := newTestService(t)
	raw := buildZip(t, map[string]string{"main.py": "print(1)"})

	require.NoError(t, svc.IngestArchive(context.Background(), "p1", raw, "zip"))

	exists, err := svc.blobs.Exists(context.Background(), draftPrefix("p1")+"main.py")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIngestRejectsSymlinkMember(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Ingest(context.Background(), "p1", []ExtractMember{
		{Path: "link", Data: []byte("/etc/passwd"), Mode: fs.ModeSymlink | 0o777},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink-present")
}
