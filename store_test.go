package zerobrew

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildTarGz packs files (path -> content) into a gzip-compressed tar
// archive and returns its bytes.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeBlobFile(t *testing.T, dir string, content []byte) (path, sha string) {
	t.Helper()
	h := sha256.Sum256(content)
	sha = hex.EncodeToString(h[:])
	path = filepath.Join(dir, sha+".tar.gz")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, sha
}

func TestStore_EnsureEntryUnpacksOnce(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	archive := buildTarGz(t, map[string]string{"widget/1.0/bin/widget": "#!/bin/sh\necho hi\n"})
	blobPath, sha := writeBlobFile(t, t.TempDir(), archive)

	entry, err := store.EnsureEntry(context.Background(), sha, blobPath)
	require.NoError(t, err)
	require.True(t, store.HasEntry(sha))

	content, err := os.ReadFile(filepath.Join(entry, "widget", "1.0", "bin", "widget"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	// Re-running EnsureEntry on the same key is a no-op idempotent call.
	entry2, err := store.EnsureEntry(context.Background(), sha, blobPath)
	require.NoError(t, err)
	require.Equal(t, entry, entry2)
}

func TestStore_RemoveEntry(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	archive := buildTarGz(t, map[string]string{"f": "content"})
	blobPath, sha := writeBlobFile(t, t.TempDir(), archive)

	_, err = store.EnsureEntry(context.Background(), sha, blobPath)
	require.NoError(t, err)
	require.True(t, store.HasEntry(sha))

	require.NoError(t, store.RemoveEntry(sha))
	require.False(t, store.HasEntry(sha))

	// Removing an already-absent entry is not an error.
	require.NoError(t, store.RemoveEntry(sha))
}

func TestStore_RecoversFromStaleStagingDir(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	archive := buildTarGz(t, map[string]string{"f": "content"})
	blobPath, sha := writeBlobFile(t, t.TempDir(), archive)

	staging := filepath.Join(root, ".tmp-"+sha)
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "leftover"), 0o755))

	entry, err := store.EnsureEntry(context.Background(), sha, blobPath)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(entry, "leftover"))
	require.True(t, os.IsNotExist(statErr))
}
