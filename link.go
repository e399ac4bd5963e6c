package zerobrew

import (
	"context"
	"os"
	"path/filepath"

	"github.com/s7manth/zerobrew/tracing"
)

var linkTracer = tracing.Init("link")

// LinkedFile records one symlink created by a keg linking operation, for
// persistence into the metadata database.
type LinkedFile struct {
	LinkPath   string
	TargetPath string
}

// Linker projects a keg's bin/ directory and an opt/<name> alias into the
// shared prefix, per spec.md §4.6.
type Linker struct {
	binDir string
	optDir string
	db     *Database
}

// LinkerOption configures a Linker at construction time.
type LinkerOption func(*Linker)

// WithLinkerDatabase wires a metadata database into the Linker so conflicts
// can be attributed to the keg that owns the occupying symlink, per spec.md
// §4.6's owned_by field.
func WithLinkerDatabase(db *Database) LinkerOption {
	return func(l *Linker) { l.db = db }
}

// NewLinker returns a Linker that writes symlinks into binDir and optDir,
// creating both if necessary.
func NewLinker(binDir, optDir string, opts ...LinkerOption) (*Linker, error) {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating bin dir", Err: err}
	}
	if err := os.MkdirAll(optDir, 0o755); err != nil {
		return nil, &StoreCorruptionError{Message: "creating opt dir", Err: err}
	}
	l := &Linker{binDir: binDir, optDir: optDir}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// ownerOf looks up which installed keg's linked_files row matches linkPath,
// for attribution on a LinkConflict. Returns "" if no database is wired or
// no keg owns the path.
func (l *Linker) ownerOf(ctx context.Context, linkPath string) string {
	if l.db == nil {
		return ""
	}
	owner, err := l.db.GetLinkOwner(ctx, linkPath)
	if err != nil {
		return ""
	}
	return owner
}

// LinkKeg creates the opt/<name> alias and a symlink for every executable
// under kegPath/bin into the Linker's bin directory. The operation is
// atomic: if any bin entry conflicts with something the linker does not
// own, every symlink created earlier in this call is rolled back before
// LinkConflictError is returned, per spec.md §4.6's atomicity requirement.
func (l *Linker) LinkKeg(ctx context.Context, name string, kegPath string) ([]LinkedFile, error) {
	ctx, span := linkTracer.Start(ctx, "LinkKeg "+name)
	defer span.End()

	optCreated, err := l.linkOpt(name, kegPath)
	if err != nil {
		return nil, err
	}

	kegBin := filepath.Join(kegPath, "bin")
	entries, err := os.ReadDir(kegBin)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreCorruptionError{Message: "reading keg bin dir", Err: err}
	}

	var linked []LinkedFile
	var created []string
	var conflicts []LinkConflict

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		target := filepath.Join(kegBin, e.Name())
		linkPath := filepath.Join(l.binDir, e.Name())

		result, conflict := l.linkOneBin(linkPath, target)
		if conflict != nil {
			conflict.OwnedBy = l.ownerOf(ctx, linkPath)
			conflicts = append(conflicts, *conflict)
			continue
		}
		linked = append(linked, LinkedFile{LinkPath: linkPath, TargetPath: target})
		if result {
			created = append(created, linkPath)
		}
	}

	if len(conflicts) > 0 {
		for _, p := range created {
			os.Remove(p)
		}
		if optCreated {
			l.unlinkOpt(name)
		}
		return nil, &LinkConflictError{Conflicts: conflicts}
	}

	return linked, nil
}

// linkOneBin creates linkPath -> target, handling the three cases spec.md
// §4.6 describes: absent (create), dangling or already-correct symlink
// (recreate / no-op), and a real conflict (existing file, or symlink to a
// different resolved target).
func (l *Linker) linkOneBin(linkPath, target string) (created bool, conflict *LinkConflict) {
	info, err := os.Lstat(linkPath)
	if os.IsNotExist(err) {
		if err := os.Symlink(target, linkPath); err != nil {
			return false, &LinkConflict{Path: linkPath}
		}
		return true, nil
	}
	if err != nil {
		return false, &LinkConflict{Path: linkPath}
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return false, &LinkConflict{Path: linkPath}
	}

	resolved, resolveErr := resolveSymlink(linkPath)
	if resolveErr != nil {
		// Dangling symlink: safe to replace.
		os.Remove(linkPath)
		if err := os.Symlink(target, linkPath); err != nil {
			return false, &LinkConflict{Path: linkPath}
		}
		return true, nil
	}

	wantResolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		wantResolved = target
	}
	if resolved == wantResolved {
		return false, nil // already correct, idempotent
	}

	return false, &LinkConflict{Path: linkPath}
}

// resolveSymlink resolves a (possibly relative) symlink's target against
// its own parent directory before canonicalizing, per spec.md §4.6's note
// that relative symlinks must be resolved relative to the link itself.
func resolveSymlink(linkPath string) (string, error) {
	raw, err := os.Readlink(linkPath)
	if err != nil {
		return "", err
	}
	abs := raw
	if !filepath.IsAbs(raw) {
		abs = filepath.Join(filepath.Dir(linkPath), raw)
	}
	return filepath.EvalSymlinks(abs)
}

// linkOpt creates or repairs the opt/<name> -> kegPath alias, reporting
// whether it created a symlink in this call.
func (l *Linker) linkOpt(name, kegPath string) (bool, error) {
	optPath := filepath.Join(l.optDir, name)
	info, err := os.Lstat(optPath)
	if os.IsNotExist(err) {
		err := wrapLinkErr(os.Symlink(kegPath, optPath), optPath)
		return err == nil, err
	}
	if err != nil {
		return false, &LinkConflictError{Conflicts: []LinkConflict{{Path: optPath}}}
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false, &LinkConflictError{Conflicts: []LinkConflict{{Path: optPath}}}
	}

	resolved, resolveErr := resolveSymlink(optPath)
	wantResolved, _ := filepath.EvalSymlinks(kegPath)
	if resolveErr == nil && resolved == wantResolved {
		return false, nil
	}
	os.Remove(optPath)
	err = wrapLinkErr(os.Symlink(kegPath, optPath), optPath)
	return err == nil, err
}

func (l *Linker) unlinkOpt(name string) {
	os.Remove(filepath.Join(l.optDir, name))
}

func wrapLinkErr(err error, path string) error {
	if err == nil {
		return nil
	}
	return &LinkConflictError{Conflicts: []LinkConflict{{Path: path}}}
}

// UnlinkKeg removes every symlink under the bin directory that resolves
// into kegPath, plus the opt/<name> alias.
func (l *Linker) UnlinkKeg(ctx context.Context, name, kegPath string) error {
	_, span := linkTracer.Start(ctx, "UnlinkKeg "+name)
	defer span.End()

	entries, err := os.ReadDir(l.binDir)
	if err != nil {
		return &StoreCorruptionError{Message: "reading bin dir", Err: err}
	}

	kegBin, err := filepath.Abs(filepath.Join(kegPath, "bin"))
	if err != nil {
		return &StoreCorruptionError{Message: "resolving keg bin dir", Err: err}
	}

	for _, e := range entries {
		linkPath := filepath.Join(l.binDir, e.Name())
		info, err := os.Lstat(linkPath)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := resolveSymlink(linkPath)
		if err != nil {
			continue
		}
		if filepath.Dir(resolved) == kegBin {
			os.Remove(linkPath)
		}
	}

	l.unlinkOpt(name)
	return nil
}

// IsLinked reports whether any bin symlink still resolves into kegPath.
func (l *Linker) IsLinked(kegPath string) bool {
	entries, err := os.ReadDir(l.binDir)
	if err != nil {
		return false
	}
	kegBin, err := filepath.Abs(filepath.Join(kegPath, "bin"))
	if err != nil {
		return false
	}
	for _, e := range entries {
		linkPath := filepath.Join(l.binDir, e.Name())
		resolved, err := resolveSymlink(linkPath)
		if err == nil && filepath.Dir(resolved) == kegBin {
			return true
		}
	}
	return false
}
