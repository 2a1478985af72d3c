package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region retrain-entry
// RetrainEntry is a single row in the retrain_log table.
type RetrainEntry struct {
	RunID     string
	VersionID string // empty when the retrain was skipped
	Kind      string
	Result    string // "committed" | "skipped"
	Reason    string
	Samples   int
	Pos       int
	Neg       int
	TrainAcc  float64
	StatsJSON string // before/after gate stats
	CreatedAt time.Time
}

// #endregion retrain-entry

// #region log-retrain
// LogRetrain writes a retrain attempt to the retrain_log table.
func LogRetrain(db *sql.DB, entry RetrainEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO retrain_log (run_id, version_id, kind, result, reason, samples, pos, neg, train_acc, stats_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(entry.RunID),
		nullIfEmpty(entry.VersionID),
		entry.Kind,
		entry.Result,
		nullIfEmpty(entry.Reason),
		entry.Samples,
		entry.Pos,
		entry.Neg,
		entry.TrainAcc,
		nullIfEmpty(entry.StatsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log retrain: %w", err)
	}
	return nil
}

// #endregion log-retrain

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
