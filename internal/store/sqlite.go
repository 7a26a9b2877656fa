package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	asset      TEXT NOT NULL,
	datasets   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_attempts (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	dataset     TEXT NOT NULL,
	source      TEXT NOT NULL,
	position    INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	row_count   INTEGER NOT NULL DEFAULT 0,
	dropped     INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_asset ON runs(asset);
CREATE INDEX IF NOT EXISTS idx_run_attempts_run_id ON run_attempts(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, asset string, datasets []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	datasetsJSON, err := json.Marshal(datasets)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal datasets")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, asset, datasets, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, asset, string(datasetsJSON), string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Asset:     asset,
		Datasets:  datasets,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset, datasets, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, asset, datasets, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Asset != "" {
		query += ` AND asset = ?`
		args = append(args, filter.Asset)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RecordAttempts(ctx context.Context, runID string, attempts []model.AttemptRecord) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin attempts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range attempts {
		a := &attempts[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.RunID = runID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_attempts (id, run_id, dataset, source, position, succeeded, kind, error, row_count, dropped, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, runID, a.Dataset, a.Source, a.Position, a.Succeeded, a.Kind, a.Error, a.Rows, a.Dropped, a.DurationMs, a.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt for run %s", runID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit attempts")
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]model.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, dataset, source, position, succeeded, kind, error, row_count, dropped, duration_ms, created_at
		 FROM run_attempts WHERE run_id = ? ORDER BY dataset, position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttemptRecord
	for rows.Next() {
		var a model.AttemptRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.Dataset, &a.Source, &a.Position, &a.Succeeded,
			&a.Kind, &a.Error, &a.Rows, &a.Dropped, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var datasetsJSON string
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.Asset, &datasetsJSON, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := decodeRun(&r, []byte(datasetsJSON), resultJSON.Valid, []byte(resultJSON.String)); err != nil {
		return nil, eris.Wrap(err, "sqlite")
	}
	return &r, nil
}

func decodeRun(r *model.Run, datasets []byte, hasResult bool, result []byte) error {
	if err := json.Unmarshal(datasets, &r.Datasets); err != nil {
		return eris.Wrap(err, "unmarshal datasets")
	}
	if hasResult && len(result) > 0 && string(result) != "null" {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return eris.Wrap(err, "unmarshal result")
		}
	}
	return nil
}
