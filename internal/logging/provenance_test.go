package logging

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE retrain_log (
		run_id     TEXT,
		version_id TEXT,
		kind       TEXT NOT NULL,
		result     TEXT NOT NULL,
		reason     TEXT,
		samples    INTEGER NOT NULL,
		pos        INTEGER NOT NULL,
		neg        INTEGER NOT NULL,
		train_acc  REAL NOT NULL,
		stats_json TEXT,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-retrain-tests
func TestLogRetrain_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := RetrainEntry{
		RunID:     "run-1",
		VersionID: "v1",
		Kind:      "mlp",
		Result:    "committed",
		Samples:   50,
		Pos:       30,
		Neg:       20,
		TrainAcc:  0.82,
		StatsJSON: `{"before":{"samples":50}}`,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogRetrain(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM retrain_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var versionID, result string
	var pos int
	db.QueryRow("SELECT version_id, result, pos FROM retrain_log").Scan(&versionID, &result, &pos)
	if versionID != "v1" {
		t.Errorf("expected version_id 'v1', got %q", versionID)
	}
	if result != "committed" {
		t.Errorf("expected result 'committed', got %q", result)
	}
	if pos != 30 {
		t.Errorf("expected pos 30, got %d", pos)
	}
}

func TestLogRetrain_SkippedHasNullVersion(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := RetrainEntry{
		Kind:    "logreg",
		Result:  "skipped",
		Reason:  "need pos+neg",
		Samples: 60,
		Pos:     60,
	}
	if err := LogRetrain(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var versionID, runID, stats sql.NullString
	var reason string
	db.QueryRow("SELECT version_id, run_id, stats_json, reason FROM retrain_log").Scan(&versionID, &runID, &stats, &reason)
	if versionID.Valid {
		t.Error("expected NULL version_id for skipped retrain")
	}
	if runID.Valid {
		t.Error("expected NULL run_id for empty string")
	}
	if stats.Valid {
		t.Error("expected NULL stats_json for empty string")
	}
	if reason != "need pos+neg" {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestLogRetrain_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC().Add(-time.Second)
	if err := LogRetrain(db, RetrainEntry{Kind: "mlp", Result: "committed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM retrain_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogRetrain_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogRetrain(db, RetrainEntry{Kind: "mlp", Result: "committed"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion log-retrain-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	if result := nullIfEmpty(""); result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	if result := nullIfEmpty("hello"); result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
