package zerobrew

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobCache stores downloaded bottle archives on disk, keyed by their
// expected sha256 digest, per spec.md §4.3/§3. Writers stage content under a
// temp name in the same directory and atomically rename it into place so a
// reader never observes a partially-written blob.
type BlobCache struct {
	dir string
}

// NewBlobCache returns a BlobCache rooted at dir, creating it if necessary.
func NewBlobCache(dir string) (*BlobCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating blob cache dir", Err: err}
	}
	return &BlobCache{dir: dir}, nil
}

// Path returns the on-disk path a blob with the given sha256 digest would
// occupy, whether or not it currently exists.
func (c *BlobCache) Path(sha256Hex string) string {
	return filepath.Join(c.dir, sha256Hex)
}

// Has reports whether a blob with the given digest is already cached.
func (c *BlobCache) Has(sha256Hex string) bool {
	_, err := os.Stat(c.Path(sha256Hex))
	return err == nil
}

// Put verifies that r hashes to expectedSha256 while streaming it to a temp
// file, then atomically renames it into the cache. On a checksum mismatch
// the temp file is removed and ChecksumMismatchError is returned.
func (c *BlobCache) Put(expectedSha256 string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(c.dir, ".tmp-blob-*")
	if err != nil {
		return "", &StoreCorruptionError{Message: "creating temp blob file", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		tmp.Close()
		return "", &StoreCorruptionError{Message: "writing blob", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &StoreCorruptionError{Message: "closing blob temp file", Err: err}
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expectedSha256 {
		return "", &ChecksumMismatchError{Expected: expectedSha256, Actual: actual}
	}

	dest := c.Path(expectedSha256)
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", &StoreCorruptionError{Message: "renaming blob into place", Err: err}
	}
	return dest, nil
}

// Remove deletes a cached blob, if present. It is not an error if the blob
// is already absent.
func (c *BlobCache) Remove(sha256Hex string) error {
	err := os.Remove(c.Path(sha256Hex))
	if err != nil && !os.IsNotExist(err) {
		return &StoreCorruptionError{Message: fmt.Sprintf("removing blob %s", sha256Hex), Err: err}
	}
	return nil
}
