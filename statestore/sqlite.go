package statestore

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/pkg/errors"

	"go.driftlog.dev/core/changelog"
)

const timeLayout = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	var t, err = time.Parse(timeLayout, s)
	return t, errors.WithMessage(err, "parsing time")
}

// SQLiteStore persists Snapshots in a SQLite database. Records are kept
// relationally for inspection with external tooling; Save replaces all
// rows within a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{} // SQLiteStore is-a Store.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tables (
	name         TEXT PRIMARY KEY,
	retention_ns INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cursors (
	id               TEXT PRIMARY KEY,
	tbl              TEXT NOT NULL,
	mode             TEXT NOT NULL,
	position         INTEGER NOT NULL,
	stale            INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	last_consumed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS specs (
	target TEXT PRIMARY KEY,
	record TEXT NOT NULL
);
`

// NewSQLiteStore opens (and if needed initializes) a SQLiteStore at
// |path|.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening database")
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "initializing schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save replaces the persisted Snapshot within one transaction.
func (s *SQLiteStore) Save(snap Snapshot) (err error) {
	var txn *sql.Tx
	if txn, err = s.db.Begin(); err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	for _, stmt := range []string{
		"DELETE FROM meta", "DELETE FROM tables", "DELETE FROM cursors", "DELETE FROM specs",
	} {
		if _, err = txn.Exec(stmt); err != nil {
			return errors.WithMessage(err, "clearing prior snapshot")
		}
	}

	if _, err = txn.Exec("INSERT INTO meta (id, taken_at) VALUES (1, ?)",
		snap.TakenAt.Format(timeLayout)); err != nil {
		return errors.WithMessage(err, "insert(meta)")
	}
	for _, rec := range snap.Tables {
		if _, err = txn.Exec("INSERT INTO tables (name, retention_ns) VALUES (?, ?)",
			string(rec.Table), int64(rec.Retention)); err != nil {
			return errors.WithMessagef(err, "insert(table %s)", rec.Table)
		}
	}
	for _, rec := range snap.Cursors {
		if _, err = txn.Exec(
			"INSERT INTO cursors (id, tbl, mode, position, stale, created_at, last_consumed_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			rec.ID, string(rec.Table), rec.Mode.String(), int64(rec.Position), rec.Stale,
			rec.CreatedAt.Format(timeLayout), rec.LastConsumedAt.Format(timeLayout)); err != nil {
			return errors.WithMessagef(err, "insert(cursor %s)", rec.ID)
		}
	}
	for _, rec := range snap.Specs {
		var b []byte
		if b, err = json.Marshal(rec); err != nil {
			return errors.WithMessagef(err, "encoding spec %s", rec.Target)
		}
		if _, err = txn.Exec("INSERT INTO specs (target, record) VALUES (?, ?)",
			string(rec.Target), string(b)); err != nil {
			return errors.WithMessagef(err, "insert(spec %s)", rec.Target)
		}
	}
	return errors.WithMessage(txn.Commit(), "committing snapshot")
}

// Load returns the persisted Snapshot, or a zero Snapshot where none has
// been saved.
func (s *SQLiteStore) Load() (Snapshot, error) {
	var snap Snapshot

	var takenAt string
	var err = s.db.QueryRow("SELECT taken_at FROM meta WHERE id = 1").Scan(&takenAt)
	if err == sql.ErrNoRows {
		return snap, nil
	} else if err != nil {
		return snap, errors.WithMessage(err, "select(meta)")
	}
	if snap.TakenAt, err = parseTime(takenAt); err != nil {
		return snap, err
	}

	if err = s.loadTables(&snap); err != nil {
		return snap, err
	}
	if err = s.loadCursors(&snap); err != nil {
		return snap, err
	}
	return snap, s.loadSpecs(&snap)
}

func (s *SQLiteStore) loadTables(snap *Snapshot) error {
	var rows, err = s.db.Query("SELECT name, retention_ns FROM tables ORDER BY name")
	if err != nil {
		return errors.WithMessage(err, "select(tables)")
	}
	defer rows.Close()

	for rows.Next() {
		var rec TableRecord
		var name string
		var ns int64
		if err = rows.Scan(&name, &ns); err != nil {
			return errors.WithMessage(err, "scan(table)")
		}
		rec.Table, rec.Retention = changelog.Table(name), time.Duration(ns)
		snap.Tables = append(snap.Tables, rec)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadCursors(snap *Snapshot) error {
	var rows, err = s.db.Query(
		"SELECT id, tbl, mode, position, stale, created_at, last_consumed_at FROM cursors ORDER BY id")
	if err != nil {
		return errors.WithMessage(err, "select(cursors)")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                 CursorRecord
			table, mode         string
			position            int64
			created, lastConsumed string
		)
		if err = rows.Scan(&rec.ID, &table, &mode, &position, &rec.Stale, &created, &lastConsumed); err != nil {
			return errors.WithMessage(err, "scan(cursor)")
		}
		rec.Table = changelog.Table(table)
		rec.Position = changelog.SeqPosition(position)
		if rec.Mode, err = changelog.ParseMode(mode); err != nil {
			return errors.WithMessagef(err, "cursor %s", rec.ID)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return errors.WithMessagef(err, "cursor %s", rec.ID)
		}
		if rec.LastConsumedAt, err = parseTime(lastConsumed); err != nil {
			return errors.WithMessagef(err, "cursor %s", rec.ID)
		}
		snap.Cursors = append(snap.Cursors, rec)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadSpecs(snap *Snapshot) error {
	var rows, err = s.db.Query("SELECT record FROM specs ORDER BY target")
	if err != nil {
		return errors.WithMessage(err, "select(specs)")
	}
	defer rows.Close()

	for rows.Next() {
		var b string
		if err = rows.Scan(&b); err != nil {
			return errors.WithMessage(err, "scan(spec)")
		}
		var rec SpecRecord
		if err = json.Unmarshal([]byte(b), &rec); err != nil {
			return errors.WithMessage(err, "decoding spec")
		}
		snap.Specs = append(snap.Specs, rec)
	}
	return rows.Err()
}
