package zerobrew

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/s7manth/zerobrew/tracing"
)

var installTracer = tracing.Init("install")

// Installer composes the resolver, downloader, store, cellar, linker, and
// database into the end-to-end operations described in spec.md §4.8:
// plan, execute, install, uninstall, gc, and is_installed. It is grounded
// directly on original_source's zb_io::install::Installer.
type Installer struct {
	root   string
	prefix string

	api        *ApiClient
	downloader *ParallelDownloader
	cache      *BlobCache
	store      *Store
	cellar     *Cellar
	linker     *Linker
	db         *Database
	lock       *RootLock
	sink       ProgressSink
}

// InstallerOption configures an Installer at construction time.
type InstallerOption func(*Installer)

func WithInstallerAPIClient(c *ApiClient) InstallerOption {
	return func(i *Installer) { i.api = c }
}

func WithInstallerProgressSink(sink ProgressSink) InstallerOption {
	return func(i *Installer) {
		if sink != nil {
			i.sink = sink
		}
	}
}

// CreateInstaller wires up every on-disk component, matching
// original_source's create_installer factory. The blob cache, store, lock,
// and metadata database live under root; prefix is the externally visible
// install prefix (e.g. "/usr/local" or "/opt/zerobrew") that holds the
// Cellar, bin, and opt directories.
func CreateInstaller(root, prefix string, downloadConcurrency int, opts ...InstallerOption) (*Installer, error) {
	for _, dir := range []string{root, prefix} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreCorruptionError{Message: fmt.Sprintf("creating %s", dir), Err: err}
		}
	}

	cache, err := NewBlobCache(filepath.Join(root, "cache"))
	if err != nil {
		return nil, err
	}
	store, err := NewStore(filepath.Join(root, "store"))
	if err != nil {
		return nil, err
	}
	cellar, err := NewCellar(filepath.Join(prefix, "Cellar"), nil)
	if err != nil {
		return nil, err
	}
	db, err := OpenDatabase(filepath.Join(root, "zerobrew.db"))
	if err != nil {
		return nil, err
	}
	linker, err := NewLinker(filepath.Join(prefix, "bin"), filepath.Join(prefix, "opt"), WithLinkerDatabase(db))
	if err != nil {
		return nil, err
	}

	i := &Installer{
		root:   root,
		prefix: prefix,
		api:    NewApiClient(),
		cache:  cache,
		store:  store,
		cellar: cellar,
		linker: linker,
		db:     db,
		lock:   NewRootLock(root),
		sink:   noopSink,
	}

	if downloadConcurrency <= 0 {
		downloadConcurrency = 8
	}
	concurrencyOverride := downloadConcurrency

	for _, o := range opts {
		o(i)
	}
	if i.sink == nil {
		i.sink = noopSink
	}
	i.downloader = NewParallelDownloader(i.cache,
		WithDownloadConcurrency(concurrencyOverride),
		WithDownloadProgressSink(i.sink),
	)

	return i, nil
}

// Plan resolves the dependency closure of requested and selects a bottle
// for each formula, without downloading or installing anything.
func (i *Installer) Plan(ctx context.Context, requested []string) (InstallPlan, error) {
	ctx, span := installTracer.Start(ctx, "Plan")
	defer span.End()
	return Resolve(ctx, i.api, requested)
}

// Execute downloads every bottle in plan in parallel, then materializes and
// (if link is true) links each formula sequentially in dependency order,
// recording each keg's install in one database transaction before moving to
// the next.
func (i *Installer) Execute(ctx context.Context, plan InstallPlan, link bool) error {
	ctx, span := installTracer.Start(ctx, "Execute")
	defer span.End()

	unlock, err := i.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	reqs := make([]DownloadRequest, 0, len(plan.Items))
	for _, item := range plan.Items {
		reqs = append(reqs, DownloadRequest{
			Name:   item.Formula.Name,
			URL:    item.Bottle.URL,
			Sha256: item.Bottle.Sha256,
		})
	}

	blobPaths, err := i.downloader.DownloadAll(ctx, reqs)
	if err != nil {
		return err
	}

	for idx, item := range plan.Items {
		if err := i.installOne(ctx, item, blobPaths[idx], link); err != nil {
			return fmt.Errorf("installing %s: %w", item.Formula.Name, err)
		}
	}

	return nil
}

func (i *Installer) installOne(ctx context.Context, item InstallPlanItem, blobPath string, link bool) error {
	f := item.Formula

	rec, err := i.db.GetInstalled(ctx, f.Name)
	if err == nil && rec.Version == f.EffectiveVersion() {
		i.sink(InstallProgress{Kind: Skipped, Name: f.Name, Reason: "already installed"})
		i.sink(InstallProgress{Kind: InstallCompleted, Name: f.Name})
		return nil
	}
	if err != nil {
		var notInstalled *NotInstalledError
		if !errors.As(err, &notInstalled) {
			return err
		}
	}

	i.sink(InstallProgress{Kind: UnpackStarted, Name: f.Name})
	storeEntry, err := i.store.EnsureEntry(ctx, item.Bottle.Sha256, blobPath)
	if err != nil {
		return err
	}

	kegPath, err := i.cellar.Materialize(ctx, f, storeEntry)
	if err != nil {
		return err
	}
	i.sink(InstallProgress{Kind: UnpackCompleted, Name: f.Name})

	var linked []LinkedFile
	if link {
		i.sink(InstallProgress{Kind: LinkStarted, Name: f.Name})
		linked, err = i.linker.LinkKeg(ctx, f.Name, kegPath)
		if err != nil {
			return err
		}
		i.sink(InstallProgress{Kind: LinkCompleted, Name: f.Name})
	} else {
		i.sink(InstallProgress{Kind: LinkSkipped, Name: f.Name, Reason: "link=false"})
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.RecordInstall(ctx, f.Name, f.EffectiveVersion(), item.Bottle.Sha256, time.Now().Unix()); err != nil {
		tx.Rollback()
		return err
	}
	for _, lf := range linked {
		if err := tx.RecordLinkedFile(ctx, f.Name, lf); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	i.sink(InstallProgress{Kind: InstallCompleted, Name: f.Name})
	return nil
}

// Install is Plan followed by Execute with linking enabled, the common-case
// entry point for installing one or more packages.
func (i *Installer) Install(ctx context.Context, requested []string) error {
	plan, err := i.Plan(ctx, requested)
	if err != nil {
		return err
	}
	return i.Execute(ctx, plan, true)
}

// Uninstall removes a formula's keg, its links, and its database records,
// decrementing the store entry's refcount (but not removing the store entry
// itself; that is GC's job).
func (i *Installer) Uninstall(ctx context.Context, name string) error {
	ctx, span := installTracer.Start(ctx, "Uninstall "+name)
	defer span.End()

	unlock, err := i.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := i.db.GetInstalled(ctx, name)
	if err != nil {
		return err
	}

	kegPath := i.cellar.KegPath(name, rec.Version)
	if err := i.linker.UnlinkKeg(ctx, name, kegPath); err != nil {
		return err
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.RecordUninstall(ctx, name); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return i.cellar.RemoveKeg(name, rec.Version)
}

// GC removes every store entry with a zero refcount and returns the list of
// store keys it removed.
func (i *Installer) GC(ctx context.Context) ([]string, error) {
	ctx, span := installTracer.Start(ctx, "GC")
	defer span.End()

	unlock, err := i.lock.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	keys, err := i.db.GetUnreferencedStoreKeys(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, key := range keys {
		if err := i.store.RemoveEntry(key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// IsInstalled reports whether name has an installed record.
func (i *Installer) IsInstalled(ctx context.Context, name string) (bool, error) {
	return i.db.IsInstalled(ctx, name)
}

// Close releases the installer's database handle.
func (i *Installer) Close() error {
	return i.db.Close()
}
