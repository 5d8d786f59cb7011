// Package store persists evaluation history in SQLite: one row per
// interactive evaluation, plus rewrite-tester runs and their per-unit results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lobuilder/internal/logging"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed history store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// EvaluationRecord is one interactive evaluation.
type EvaluationRecord struct {
	ID            string
	UnitName      string
	Level         int
	CreditPoints  int
	Model         string
	State         string
	Verdicts      int
	Good          int
	NeedsRevision int
	CouldImprove  int
	Unknown       int
	Summary       string
	Error         string
	DurationMs    int64
	CreatedAt     time.Time
}

// Run is one rewrite-tester run.
type Run struct {
	ID             string
	Source         string
	Model          string
	SampleFraction float64
	Seed           int64
	Units          int
	Counts         map[string]int
	SuccessRate    float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// UnitResult is the tester outcome for one unit of a run.
type UnitResult struct {
	RunID      string
	Code       string
	Title      string
	Level      int
	Original   string
	Rewritten  string
	Status     string
	Evaluation string
	Error      string
	DurationMs int64
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening history store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		unit_name TEXT NOT NULL,
		level INTEGER NOT NULL,
		credit_points INTEGER NOT NULL,
		model TEXT,
		state TEXT NOT NULL,
		verdicts INTEGER NOT NULL DEFAULT 0,
		good INTEGER NOT NULL DEFAULT 0,
		needs_revision INTEGER NOT NULL DEFAULT 0,
		could_improve INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		error TEXT,
		duration_ms INTEGER,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tester_runs (
		id TEXT PRIMARY KEY,
		source TEXT,
		model TEXT,
		sample_fraction REAL,
		seed INTEGER,
		units INTEGER,
		counts TEXT,
		success_rate REAL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tester_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES tester_runs(id),
		code TEXT NOT NULL,
		title TEXT,
		level INTEGER,
		original TEXT,
		rewritten TEXT,
		status TEXT,
		evaluation TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_created ON evaluations(created_at);
	CREATE INDEX IF NOT EXISTS idx_results_run ON tester_results(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordEvaluation stores one interactive evaluation.
func (s *Store) RecordEvaluation(ctx context.Context, rec EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO evaluations
		(id, unit_name, level, credit_points, model, state, verdicts,
		 good, needs_revision, could_improve, unknown, summary, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UnitName, rec.Level, rec.CreditPoints, rec.Model, rec.State, rec.Verdicts,
		rec.Good, rec.NeedsRevision, rec.CouldImprove, rec.Unknown, rec.Summary, rec.Error,
		rec.DurationMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record evaluation %s: %v", rec.ID, err)
		return err
	}
	logging.StoreDebug("Recorded evaluation %s (%s, %d verdicts)", rec.ID, rec.State, rec.Verdicts)
	return nil
}

// ListEvaluations returns the most recent evaluations, newest first.
func (s *Store) ListEvaluations(ctx context.Context, limit int) ([]EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_name, level, credit_points, model, state, verdicts,
		       good, needs_revision, could_improve, unknown, summary, error, duration_ms, created_at
		FROM evaluations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvaluationRecord
	for rows.Next() {
		var rec EvaluationRecord
		var model, summary, errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.UnitName, &rec.Level, &rec.CreditPoints, &model, &rec.State,
			&rec.Verdicts, &rec.Good, &rec.NeedsRevision, &rec.CouldImprove, &rec.Unknown,
			&summary, &errMsg, &duration, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Model = model.String
		rec.Summary = summary.String
		rec.Error = errMsg.String
		rec.DurationMs = duration.Int64
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRun inserts or updates a tester run.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("encode run counts: %w", err)
	}
	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tester_runs
		(id, source, model, sample_fraction, seed, units, counts, success_rate, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Model, run.SampleFraction, run.Seed, run.Units,
		string(counts), run.SuccessRate, run.StartedAt.UTC(), finished,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save run %s: %v", run.ID, err)
		return err
	}
	logging.StoreDebug("Saved tester run %s (%d units)", run.ID, run.Units)
	return nil
}

// SaveUnitResult appends one unit result to a run.
func (s *Store) SaveUnitResult(ctx context.Context, res UnitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tester_results
		(run_id, code, title, level, original, rewritten, status, evaluation, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Code, res.Title, res.Level, res.Original, res.Rewritten,
		res.Status, res.Evaluation, res.Error, res.DurationMs,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save result %s/%s: %v", res.RunID, res.Code, err)
	}
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, model, sample_fraction, seed, units, counts, success_rate, started_at, finished_at
		FROM tester_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var source, model, counts sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &source, &model, &run.SampleFraction, &run.Seed, &run.Units,
			&counts, &run.SuccessRate, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		run.Source = source.String
		run.Model = model.String
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		run.Counts = map[string]int{}
		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &run.Counts); err != nil {
				logging.StoreDebug("Failed to decode counts for run %s: %v", run.ID, err)
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunResults returns the unit results of a run in insertion order.
func (s *Store) RunResults(ctx context.Context, runID string) ([]UnitResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, code, title, level, original, rewritten, status, evaluation, error, duration_ms
		FROM tester_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnitResult
	for rows.Next() {
		var res UnitResult
		var title, original, rewritten, status, errMsg sql.NullString
		var level, duration sql.NullInt64
		if err := rows.Scan(&res.RunID, &res.Code, &title, &level, &original, &rewritten,
			&status, &res.Evaluation, &errMsg, &duration); err != nil {
			return nil, err
		}
		res.Title = title.String
		res.Level = int(level.Int64)
		res.Original = original.String
		res.Rewritten = rewritten.String
		res.Status = status.String
		res.Error = errMsg.String
		res.DurationMs = duration.Int64
		out = append(out, res)
	}
	return out, rows.Err()
}
