package zerobrew

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"

	"github.com/s7manth/zerobrew/tracing"
)

var dbTracer = tracing.Init("db")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS installed (
	name         TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	store_key    TEXT NOT NULL,
	installed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS store_refs (
	store_key  TEXT NOT NULL,
	formula    TEXT NOT NULL,
	refcount   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (store_key, formula)
);

CREATE TABLE IF NOT EXISTS linked_files (
	formula     TEXT NOT NULL,
	link_path   TEXT NOT NULL,
	target_path TEXT NOT NULL,
	PRIMARY KEY (formula, link_path)
);
`

// Database is the installer's metadata store, tracking installed formulae,
// the store-entry refcounts that gate garbage collection, and the symlinks
// each install created. Backed by modernc.org/sqlite, a pure-Go driver so
// the installer carries no cgo dependency.
type Database struct {
	db *sql.DB
}

// OpenDatabase opens (creating if necessary) the sqlite database at path
// and ensures its schema exists.
func OpenDatabase(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &DbError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY under concurrent use

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &DbError{Op: "migrate", Err: err}
	}
	return &Database{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// InstalledRecord describes one row of the installed table.
type InstalledRecord struct {
	Name        string
	Version     string
	StoreKey    string
	InstalledAt int64
}

// GetInstalled looks up the installed record for name.
func (d *Database) GetInstalled(ctx context.Context, name string) (InstalledRecord, error) {
	_, span := dbTracer.Start(ctx, "GetInstalled")
	defer span.End()

	var rec InstalledRecord
	row := d.db.QueryRowContext(ctx, `SELECT name, version, store_key, installed_at FROM installed WHERE name = ?`, name)
	if err := row.Scan(&rec.Name, &rec.Version, &rec.StoreKey, &rec.InstalledAt); err != nil {
		if err == sql.ErrNoRows {
			return InstalledRecord{}, &NotInstalledError{Name: name}
		}
		return InstalledRecord{}, &DbError{Op: "GetInstalled", Err: err}
	}
	return rec, nil
}

// IsInstalled reports whether name has an installed record.
func (d *Database) IsInstalled(ctx context.Context, name string) (bool, error) {
	_, err := d.GetInstalled(ctx, name)
	if err == nil {
		return true, nil
	}
	var notInstalled *NotInstalledError
	if errors.As(err, &notInstalled) {
		return false, nil
	}
	return false, err
}

// GetUnreferencedStoreKeys returns every store_refs key whose refcount has
// dropped to zero, for the garbage collector to reclaim.
func (d *Database) GetUnreferencedStoreKeys(ctx context.Context) ([]string, error) {
	_, span := dbTracer.Start(ctx, "GetUnreferencedStoreKeys")
	defer span.End()

	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT store_key FROM store_refs WHERE store_key NOT IN (
		SELECT store_key FROM store_refs WHERE refcount > 0
	)`)
	if err != nil {
		return nil, &DbError{Op: "GetUnreferencedStoreKeys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &DbError{Op: "GetUnreferencedStoreKeys", Err: err}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetLinkOwner returns the formula name that recorded linkPath as one of its
// linked_files, or "" if no installed keg owns it.
func (d *Database) GetLinkOwner(ctx context.Context, linkPath string) (string, error) {
	_, span := dbTracer.Start(ctx, "GetLinkOwner")
	defer span.End()

	var formula string
	row := d.db.QueryRowContext(ctx, `SELECT formula FROM linked_files WHERE link_path = ?`, linkPath)
	if err := row.Scan(&formula); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", &DbError{Op: "GetLinkOwner", Err: err}
	}
	return formula, nil
}

// Tx wraps a single database/sql transaction with the record_* operations
// the installer orchestrator composes into one atomic commit per keg.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction.
func (d *Database) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &DbError{Op: "Begin", Err: err}
	}
	return &Tx{tx: tx}, nil
}

// RecordInstall upserts the installed row and increments the store_refs
// refcount for storeKey/name.
func (t *Tx) RecordInstall(ctx context.Context, name, version, storeKey string, installedAt int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO installed (name, version, store_key, installed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET version=excluded.version, store_key=excluded.store_key, installed_at=excluded.installed_at`,
		name, version, storeKey, installedAt); err != nil {
		return &DbError{Op: "RecordInstall", Err: err}
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO store_refs (store_key, formula, refcount) VALUES (?, ?, 1)
		 ON CONFLICT(store_key, formula) DO UPDATE SET refcount = refcount + 1`,
		storeKey, name); err != nil {
		return &DbError{Op: "RecordInstall", Err: err}
	}
	return nil
}

// RecordLinkedFile records one symlink created by this install.
func (t *Tx) RecordLinkedFile(ctx context.Context, name string, lf LinkedFile) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO linked_files (formula, link_path, target_path) VALUES (?, ?, ?)
		 ON CONFLICT(formula, link_path) DO UPDATE SET target_path=excluded.target_path`,
		name, lf.LinkPath, lf.TargetPath); err != nil {
		return &DbError{Op: "RecordLinkedFile", Err: err}
	}
	return nil
}

// RecordUninstall removes the installed row, decrements its store_refs
// refcount, and removes the formula's linked_files rows.
func (t *Tx) RecordUninstall(ctx context.Context, name string) error {
	var storeKey string
	row := t.tx.QueryRowContext(ctx, `SELECT store_key FROM installed WHERE name = ?`, name)
	if err := row.Scan(&storeKey); err != nil {
		if err == sql.ErrNoRows {
			return &NotInstalledError{Name: name}
		}
		return &DbError{Op: "RecordUninstall", Err: err}
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM installed WHERE name = ?`, name); err != nil {
		return &DbError{Op: "RecordUninstall", Err: err}
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE store_refs SET refcount = refcount - 1 WHERE store_key = ? AND formula = ?`,
		storeKey, name); err != nil {
		return &DbError{Op: "RecordUninstall", Err: err}
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM linked_files WHERE formula = ?`, name); err != nil {
		return &DbError{Op: "RecordUninstall", Err: err}
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &DbError{Op: "Commit", Err: err}
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit (no-op).
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return &DbError{Op: "Rollback", Err: err}
	}
	return nil
}
