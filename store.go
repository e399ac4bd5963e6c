package zerobrew

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maxmcd/reptar"

	"github.com/s7manth/zerobrew/tracing"
)

var storeTracer = tracing.Init("store")

// Store unpacks each distinct bottle blob exactly once into a content-
// addressed directory keyed by its sha256, per spec.md §4.4. Concurrent
// requests for the same key are serialized through a per-key in-process
// mutex so the second caller observes the first's completed unpack instead
// of racing it.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a Store rooted at root, creating it if necessary.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating store root", Err: err}
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// EntryPath returns the directory a store entry for the given key would
// occupy, whether or not it has been unpacked yet.
func (s *Store) EntryPath(key string) string {
	return filepath.Join(s.root, key)
}

// keyLock returns (creating if necessary) the mutex guarding key.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// EnsureEntry unpacks the gzipped tarball at blobPath into the store under
// key (the blob's sha256) unless an entry already exists there. It recovers
// from a previous crash mid-unpack by removing a stale ".tmp-<key>" staging
// directory before retrying, and unpacks into that staging directory before
// an atomic rename into place so a reader never observes a partial entry.
func (s *Store) EnsureEntry(ctx context.Context, key, blobPath string) (string, error) {
	_, span := storeTracer.Start(ctx, "EnsureEntry")
	defer span.End()

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	final := s.EntryPath(key)
	if info, err := os.Stat(final); err == nil && info.IsDir() {
		return final, nil
	}

	staging := filepath.Join(s.root, ".tmp-"+key)
	if err := os.RemoveAll(staging); err != nil {
		return "", &StoreCorruptionError{Message: "clearing stale staging dir", Err: err}
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", &StoreCorruptionError{Message: "creating staging dir", Err: err}
	}

	if err := unpackTarGz(blobPath, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return "", &StoreCorruptionError{Message: "renaming store entry into place", Err: err}
	}

	return final, nil
}

// HasEntry reports whether a store entry exists for key.
func (s *Store) HasEntry(key string) bool {
	info, err := os.Stat(s.EntryPath(key))
	return err == nil && info.IsDir()
}

// RemoveEntry deletes the store entry for key, if present.
func (s *Store) RemoveEntry(key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	err := os.RemoveAll(s.EntryPath(key))
	if err != nil {
		return &StoreCorruptionError{Message: fmt.Sprintf("removing store entry %s", key), Err: err}
	}
	return nil
}

// unpackTarGz extracts a gzip-compressed tar archive into dir using the
// teacher's own reptar.GzipUnarchive, the same call UnpackBottle made.
func unpackTarGz(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &StoreCorruptionError{Message: "opening blob", Err: err}
	}
	defer f.Close()

	if err := reptar.GzipUnarchive(f, dir); err != nil {
		return &StoreCorruptionError{Message: fmt.Sprintf("unpacking archive %s", archivePath), Err: err}
	}
	return nil
}
