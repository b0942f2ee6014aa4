// Package store persists search and walk-forward results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Run kinds.
const (
	KindSearch      = "search"
	KindWalkForward = "walkforward"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	interval    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	objective   TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	summary     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS candidates (
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	rank      INTEGER NOT NULL,
	id        TEXT NOT NULL,
	params    TEXT NOT NULL,
	metrics   TEXT NOT NULL,
	objective REAL,
	PRIMARY KEY (run_id, rank)
);
CREATE TABLE IF NOT EXISTS windows (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx           INTEGER NOT NULL,
	skipped       INTEGER NOT NULL,
	skip_reason   TEXT NOT NULL,
	is_objective  REAL,
	oos_objective REAL,
	acceptable    INTEGER NOT NULL,
	body          TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at DESC);
`

// Run is one persisted search or walk-forward run. Summary holds the report
// without its per-candidate or per-window detail.
type Run struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Mode      string          `json:"mode"`
	Objective string          `json:"objective"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Summary   json.RawMessage `json:"summary"`
}

// SQLiteStore writes runs, ranked candidates and window results to SQLite.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{logger: logger, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSearch stores a search report and its ranked candidates.
func (s *SQLiteStore) SaveSearch(ctx context.Context, symbol string, interval types.Interval, report *types.SearchReport) error {
	summary := *report
	summary.Results = nil
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding search summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, Run{
		ID:        report.ID,
		Kind:      KindSearch,
		Symbol:    symbol,
		Interval:  string(interval),
		Mode:      string(report.Mode),
		Objective: report.Objective,
		StartedAt: report.StartedAt,
		Duration:  report.Duration,
		Summary:   body,
	}); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO candidates (run_id, rank, id, params, metrics, objective) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for rank, c := range report.Results {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		metrics, err := json.Marshal(c.Metrics)
		if err != nil {
			return fmt.Errorf("encoding metrics: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, report.ID, rank+1, c.ID, string(params), string(metrics), nullable(c.Objective)); err != nil {
			return fmt.Errorf("inserting candidate %d: %w", rank+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Search persisted",
		zap.String("runId", report.ID),
		zap.String("symbol", symbol),
		zap.Int("candidates", len(report.Results)),
	)
	return nil
}

// SaveWalkForward stores a walk-forward report and every window.
func (s *SQLiteStore) SaveWalkForward(ctx context.Context, symbol string, interval types.Interval, mode types.SearchMode, report *types.WalkForwardReport) error {
	summary := *report
	summary.Windows = nil
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding walk-forward summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, Run{
		ID:        report.ID,
		Kind:      KindWalkForward,
		Symbol:    symbol,
		Interval:  string(interval),
		Mode:      string(mode),
		Objective: report.Objective,
		StartedAt: time.Now().Add(-report.Duration),
		Duration:  report.Duration,
		Summary:   body,
	}); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO windows (run_id, idx, skipped, skip_reason, is_objective, oos_objective, acceptable, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, w := range report.Windows {
		wb, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("encoding window %d: %w", w.Index, err)
		}
		isObj, oosObj := types.NaN(), types.NaN()
		if w.InSample != nil {
			isObj = w.InSample.Objective
		}
		if w.OutOfSample != nil {
			oosObj = w.OutOfSample.Objective
		}
		if _, err := stmt.ExecContext(ctx, report.ID, w.Index, boolInt(w.Skipped), w.SkipReason,
			nullable(isObj), nullable(oosObj), boolInt(w.Degradation.Acceptable), string(wb)); err != nil {
			return fmt.Errorf("inserting window %d: %w", w.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Walk-forward persisted",
		zap.String("runId", report.ID),
		zap.String("symbol", symbol),
		zap.Int("windows", len(report.Windows)),
	)
	return nil
}

// GetRun returns one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, symbol, interval, mode, objective, started_at, duration_ms, summary FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, symbol, interval, mode, objective, started_at, duration_ms, summary FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListCandidates reads back a search run's candidates in rank order.
func (s *SQLiteStore) ListCandidates(ctx context.Context, runID string) ([]types.CandidateResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, params, metrics, objective FROM candidates WHERE run_id = ? ORDER BY rank`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CandidateResult
	for rows.Next() {
		var (
			c               types.CandidateResult
			params, metrics string
			objective       sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &params, &metrics, &objective); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
			return nil, fmt.Errorf("decoding params of %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &c.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics of %s: %w", c.ID, err)
		}
		c.Objective = fromNullable(objective)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListWindows reads back a walk-forward run's windows in order.
func (s *SQLiteStore) ListWindows(ctx context.Context, runID string) ([]types.WindowResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM windows WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WindowResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var w types.WindowResult
		if err := json.Unmarshal([]byte(body), &w); err != nil {
			return nil, fmt.Errorf("decoding window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func insertRun(ctx context.Context, tx *sql.Tx, run Run) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, kind, symbol, interval, mode, objective, started_at, duration_ms, summary) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Symbol, run.Interval, run.Mode, run.Objective,
		run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), string(run.Summary),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run        Run
		startedAt  int64
		durationMs int64
		summary    string
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.Symbol, &run.Interval, &run.Mode, &run.Objective, &startedAt, &durationMs, &summary); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.Summary = json.RawMessage(summary)
	return &run, nil
}

// nullable stores undefined metrics as NULL; SQLite has no NaN.
func nullable(f types.Float) sql.NullFloat64 {
	return sql.NullFloat64{Float64: float64(f), Valid: f.Defined()}
}

func fromNullable(n sql.NullFloat64) types.Float {
	if !n.Valid {
		return types.NaN()
	}
	return types.Float(n.Float64)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
