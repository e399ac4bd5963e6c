package zerobrew

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/s7manth/zerobrew/tracing"
)

var cellarTracer = tracing.Init("materialize")

// MaterializeHook runs after a keg's content has been copied into the
// cellar but before it is considered complete, per spec.md §4.5/§9's
// post-materialize hook (e.g. placeholder relocation). A nil hook is a
// no-op.
type MaterializeHook func(kegPath string, f Formula) error

// Cellar copies a store entry's content into a per-formula, per-version keg
// directory, per spec.md §4.5. Materialization is idempotent: a keg that
// already exists is left untouched and its path returned directly.
type Cellar struct {
	cellarDir string
	hook      MaterializeHook
}

// NewCellar returns a Cellar rooted at cellarDir, creating it if necessary.
func NewCellar(cellarDir string, hook MaterializeHook) (*Cellar, error) {
	if err := os.MkdirAll(cellarDir, 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating cellar dir", Err: err}
	}
	return &Cellar{cellarDir: cellarDir, hook: hook}, nil
}

// KegPath returns the directory a formula's keg occupies in the cellar.
func (c *Cellar) KegPath(name, version string) string {
	return filepath.Join(c.cellarDir, name, version)
}

// HasKeg reports whether a keg directory already exists.
func (c *Cellar) HasKeg(name, version string) bool {
	info, err := os.Stat(c.KegPath(name, version))
	return err == nil && info.IsDir()
}

// Materialize copies the content found in storeEntryPath into the keg
// directory for f, running the configured hook once the copy completes. A
// hook failure is logged and does not fail the materialization. If the keg
// already exists, it is returned as-is without re-copying or re-running the
// hook.
func (c *Cellar) Materialize(ctx context.Context, f Formula, storeEntryPath string) (string, error) {
	_, span := cellarTracer.Start(ctx, "Materialize "+f.Name)
	defer span.End()

	version := f.EffectiveVersion()
	keg := c.KegPath(f.Name, version)
	if c.HasKeg(f.Name, version) {
		return keg, nil
	}

	content, err := findBottleContent(storeEntryPath, f.Name, version)
	if err != nil {
		return "", err
	}

	staging := keg + ".materializing"
	if err := os.RemoveAll(staging); err != nil {
		return "", &StoreCorruptionError{Message: "clearing stale materialize staging dir", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return "", &StoreCorruptionError{Message: "creating keg parent dir", Err: err}
	}

	if err := copyDirWithFallback(content, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if err := os.Rename(staging, keg); err != nil {
		os.RemoveAll(staging)
		return "", &StoreCorruptionError{Message: "renaming keg into place", Err: err}
	}

	if c.hook != nil {
		if err := c.hook(keg, f); err != nil {
			log.Printf("materialize hook for %s: %v", f.Name, err)
		}
	}

	return keg, nil
}

// RemoveKeg removes a keg directory and, if its parent (the formula's
// top-level cellar directory) is now empty, removes that too. A non-empty
// parent is left alone.
func (c *Cellar) RemoveKeg(name, version string) error {
	keg := c.KegPath(name, version)
	if err := os.RemoveAll(keg); err != nil {
		return &StoreCorruptionError{Message: fmt.Sprintf("removing keg %s/%s", name, version), Err: err}
	}

	parent := filepath.Dir(keg)
	if err := os.Remove(parent); err != nil && !os.IsNotExist(err) && !isDirNotEmptyErr(err) {
		return &StoreCorruptionError{Message: fmt.Sprintf("removing empty cellar dir for %s", name), Err: err}
	}
	return nil
}

// isDirNotEmptyErr reports whether err is the OS's "directory not empty"
// failure, which RemoveKeg treats as an expected no-op rather than a
// corruption signal (other formulas' kegs still live in the same parent).
func isDirNotEmptyErr(err error) bool {
	return strings.Contains(err.Error(), "not empty")
}

// findBottleContent locates the directory within a store entry that holds
// the keg's actual content, following the same fallback chain as the
// original: "<name>/<version>/", then "<name>/<single-subdir>/", then the
// store entry root itself.
func findBottleContent(storeEntryPath, name, version string) (string, error) {
	candidate := filepath.Join(storeEntryPath, name, version)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}

	nameDir := filepath.Join(storeEntryPath, name)
	if info, err := os.Stat(nameDir); err == nil && info.IsDir() {
		entries, err := os.ReadDir(nameDir)
		if err != nil {
			return "", &StoreCorruptionError{Message: "reading bottle name dir", Err: err}
		}
		var subdirs []os.DirEntry
		for _, e := range entries {
			if e.IsDir() {
				subdirs = append(subdirs, e)
			}
		}
		if len(subdirs) == 1 {
			return filepath.Join(nameDir, subdirs[0].Name()), nil
		}
	}

	if info, err := os.Stat(storeEntryPath); err == nil && info.IsDir() {
		return storeEntryPath, nil
	}

	return "", &StoreCorruptionError{Message: fmt.Sprintf("could not locate bottle content for %s/%s in %s", name, version, storeEntryPath)}
}

// copyDirWithFallback materializes src into dst, hardlinking regular files
// where possible and falling back to a full copy when hardlinking fails
// (e.g. cross-device). Symlinks are recreated verbatim (not canonicalized),
// matching original_source's copy_dir_with_fallback.
func copyDirWithFallback(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return &StoreCorruptionError{Message: "reading symlink", Err: err}
			}
			os.Remove(target)
			return os.Symlink(linkTarget, target)
		default:
			return hardlinkOrCopyFile(path, target, info)
		}
	})
}

func hardlinkOrCopyFile(src, dst string, info os.FileInfo) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyRegularFile(src, dst, info)
}

func copyRegularFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return &StoreCorruptionError{Message: "opening source file", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &StoreCorruptionError{Message: "creating dest file", Err: err}
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return &StoreCorruptionError{Message: "copying file content", Err: err}
	}
	return os.Chmod(dst, info.Mode().Perm())
}
