package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS controller_versions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id    TEXT NOT NULL UNIQUE,
	parent_id     TEXT,
	run_id        TEXT,
	kind          TEXT NOT NULL,
	document      TEXT NOT NULL,
	samples       INTEGER NOT NULL,
	pos           INTEGER NOT NULL,
	neg           INTEGER NOT NULL,
	train_acc     REAL NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES controller_versions(version_id)
);

CREATE TABLE IF NOT EXISTS retrain_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT,
	version_id    TEXT,
	kind          TEXT NOT NULL,
	result        TEXT NOT NULL,
	reason        TEXT,
	samples       INTEGER NOT NULL,
	pos           INTEGER NOT NULL,
	neg           INTEGER NOT NULL,
	train_acc     REAL NOT NULL,
	stats_json    TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES controller_versions(version_id)
);

CREATE TABLE IF NOT EXISTS active_controller (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES controller_versions(version_id)
);
`

// #endregion schema

// #region store-struct
// Store keeps every trained controller in SQLite with a single active pointer.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region commit-version
// CommitVersion inserts a controller version and makes it active in one
// transaction. Empty VersionID gets a fresh UUID; empty ParentID inherits the
// currently active version. The stored record is returned.
func (s *Store) CommitVersion(rec ControllerRecord) (ControllerRecord, error) {
	if rec.VersionID == "" {
		rec.VersionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = rec.Document.Kind()
	}
	docJSON, err := json.Marshal(rec.Document)
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("marshal document: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if rec.ParentID == "" {
		var active string
		err := tx.QueryRow(`SELECT version_id FROM active_controller WHERE id = 1`).Scan(&active)
		switch {
		case err == nil:
			rec.ParentID = active
		case !errors.Is(err, sql.ErrNoRows):
			return ControllerRecord{}, fmt.Errorf("read active: %w", err)
		}
	}

	var parentPtr interface{}
	if rec.ParentID != "" {
		parentPtr = rec.ParentID
	}
	var runPtr interface{}
	if rec.RunID != "" {
		runPtr = rec.RunID
	}

	_, err = tx.Exec(
		`INSERT INTO controller_versions (version_id, parent_id, run_id, kind, document, samples, pos, neg, train_acc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, runPtr, string(rec.Kind), string(docJSON),
		rec.Document.Samples, rec.Document.Pos, rec.Document.Neg, rec.Document.TrainAcc,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_controller (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ControllerRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion commit-version

// #region get-current
// GetCurrent reads the active controller version. ErrNoActive is wrapped when
// nothing has been committed.
func (s *Store) GetCurrent() (ControllerRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_controller WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ControllerRecord{}, fmt.Errorf("get active: %w", ErrNoActive)
	}
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
const selectVersion = `SELECT version_id, parent_id, run_id, kind, document, created_at FROM controller_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (ControllerRecord, error) {
	var rec ControllerRecord
	var parentID, runID sql.NullString
	var kind, docJSON, createdStr string
	if err := row.Scan(&rec.VersionID, &parentID, &runID, &kind, &docJSON, &createdStr); err != nil {
		return ControllerRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.RunID = runID.String
	rec.Kind = gate.Kind(kind)
	if err := json.Unmarshal([]byte(docJSON), &rec.Document); err != nil {
		return ControllerRecord{}, fmt.Errorf("unmarshal document %s: %w", rec.VersionID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// GetVersion retrieves a specific controller version by ID.
func (s *Store) GetVersion(id string) (ControllerRecord, error) {
	rec, err := scanVersion(s.db.QueryRow(selectVersion+` WHERE version_id = ?`, id))
	if err != nil {
		return ControllerRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-version

// #region rollback
// Rollback sets the active pointer to a previous version.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM controller_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", targetVersionID)
	}

	_, err = s.db.Exec(
		`INSERT INTO active_controller (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		targetVersionID,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent controller versions, newest first.
func (s *Store) ListVersions(limit int) ([]ControllerRecord, error) {
	rows, err := s.db.Query(selectVersion+` ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []ControllerRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions
