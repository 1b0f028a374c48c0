package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database backing the sqlite store and the call history.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path, creating parent directories
// as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Documents table: one row per (collection, id). Rows are tombstoned on
	// delete, not removed, so pollers can observe removals; ver is a global
	// monotonic change counter.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        TEXT NOT NULL,
			ver        INTEGER NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_ver ON documents(ver);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			direction  TEXT NOT NULL,
			peer       TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			duration   INTEGER NOT NULL DEFAULT 0,
			line       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Path returns the database file path (watched by the sqlite store poller).
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// ─── Documents ───────────────────────────────────────────────────────────────

// DocRow is one row of the documents table.
type DocRow struct {
	Collection string
	ID         string
	Doc        []byte
	Ver        int64
	Deleted    bool
}

// MaxVer returns the highest change counter in the documents table.
func (d *DB) MaxVer() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ver sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(ver) FROM documents`).Scan(&ver); err != nil {
		return 0, err
	}
	return ver.Int64, nil
}

// PutDoc inserts or replaces a document and returns its new version.
func (d *DB) PutDoc(collection, id string, doc []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var ver sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(ver) FROM documents`).Scan(&ver); err != nil {
		return 0, err
	}
	next := ver.Int64 + 1

	if _, err := tx.Exec(
		`INSERT INTO documents (collection, id, doc, ver, deleted) VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(collection, id) DO UPDATE SET doc=excluded.doc, ver=excluded.ver, deleted=0`,
		collection, id, string(doc), next,
	); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// GetDoc returns a live document, or ok=false if absent or tombstoned.
func (d *DB) GetDoc(collection, id string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var doc string
	err := d.db.QueryRow(
		`SELECT doc FROM documents WHERE collection = ? AND id = ? AND deleted = 0`,
		collection, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(doc), true, nil
}

// DeleteDoc tombstones a document. Deleting an absent document is a no-op.
func (d *DB) DeleteDoc(collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ver sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(ver) FROM documents`).Scan(&ver); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE documents SET deleted = 1, ver = ? WHERE collection = ? AND id = ? AND deleted = 0`,
		ver.Int64+1, collection, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DocsSince returns all rows with ver > since, oldest change first.
// Tombstoned rows are included so callers can emit removal events.
func (d *DB) DocsSince(since int64) ([]DocRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT collection, id, doc, ver, deleted FROM documents WHERE ver > ? ORDER BY ver ASC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocRow
	for rows.Next() {
		var r DocRow
		var doc string
		var deleted int
		if err := rows.Scan(&r.Collection, &r.ID, &doc, &r.Ver, &deleted); err != nil {
			return nil, err
		}
		r.Doc = []byte(doc)
		r.Deleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// LiveDocs returns all live documents in a collection.
func (d *DB) LiveDocs(collection string) ([]DocRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT collection, id, doc, ver FROM documents WHERE collection = ? AND deleted = 0 ORDER BY ver ASC`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocRow
	for rows.Next() {
		var r DocRow
		var doc string
		if err := rows.Scan(&r.Collection, &r.ID, &doc, &r.Ver); err != nil {
			return nil, err
		}
		r.Doc = []byte(doc)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Call history ────────────────────────────────────────────────────────────

// HistoryRow is one persisted call summary.
type HistoryRow struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Direction string `json:"direction"`
	Peer      string `json:"peer"`
	Outcome   string `json:"outcome"`
	Duration  int    `json:"duration"`
	Line      string `json:"line"`
	CreatedAt int64  `json:"created_at"`
}

// AppendHistory inserts one call summary row.
func (d *DB) AppendHistory(r HistoryRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO call_history (id, kind, direction, peer, outcome, duration, line, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Direction, r.Peer, r.Outcome, r.Duration, r.Line, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit summaries, newest first.
func (d *DB) RecentHistory(limit int) ([]HistoryRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT id, kind, direction, peer, outcome, duration, line, created_at
		 FROM call_history ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Direction, &r.Peer, &r.Outcome, &r.Duration, &r.Line, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
