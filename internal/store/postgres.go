package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// PostgresStore implements Store on a db.Pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
}

// NewPostgres creates a PostgresStore with its own connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	maxConns := int32(4)
	if poolCfg != nil && poolCfg.MaxConns > 0 {
		maxConns = poolCfg.MaxConns
	}
	pool, err := db.Connect(ctx, connString, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; Close leaves the pool open.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool, shared with the PostGIS
// tile source and exporter.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	asset      TEXT NOT NULL,
	datasets   JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_attempts (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	dataset     TEXT NOT NULL,
	source      TEXT NOT NULL,
	position    INTEGER NOT NULL,
	succeeded   BOOLEAN NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	row_count   INTEGER NOT NULL DEFAULT 0,
	dropped     INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_asset ON runs(asset);
CREATE INDEX IF NOT EXISTS idx_run_attempts_run_id ON run_attempts(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, asset string, datasets []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	datasetsJSON, err := json.Marshal(datasets)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal datasets")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, asset, datasets, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, asset, datasetsJSON, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var datasetsJSON []byte
	var resultNull *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, asset, datasets, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Asset, &datasetsJSON, &r.Status, &resultNull, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	var result []byte
	if resultNull != nil {
		result = *resultNull
	}
	if err := decodeRun(&r, datasetsJSON, resultNull != nil, result); err != nil {
		return nil, eris.Wrap(err, "postgres")
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, asset, datasets, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Asset != "" {
		query += fmt.Sprintf(` AND asset = $%d`, argIdx)
		args = append(args, filter.Asset)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var datasetsJSON []byte
		var resultNull *[]byte

		if err := rows.Scan(&r.ID, &r.Asset, &datasetsJSON, &r.Status, &resultNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var result []byte
		if resultNull != nil {
			result = *resultNull
		}
		if err := decodeRun(&r, datasetsJSON, resultNull != nil, result); err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// RecordAttempts bulk-loads attempt rows with COPY.
func (s *PostgresStore) RecordAttempts(ctx context.Context, runID string, attempts []model.AttemptRecord) error {
	rows := make([][]any, 0, len(attempts))
	for i := range attempts {
		a := &attempts[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.RunID = runID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		rows = append(rows, []any{
			a.ID, runID, a.Dataset, a.Source, a.Position, a.Succeeded,
			a.Kind, a.Error, a.Rows, a.Dropped, a.DurationMs, a.CreatedAt,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "run_attempts", attemptColumns, rows)
	return eris.Wrapf(err, "postgres: record attempts for run %s", runID)
}

var attemptColumns = []string{
	"id", "run_id", "dataset", "source", "position", "succeeded",
	"kind", "error", "row_count", "dropped", "duration_ms", "created_at",
}

func (s *PostgresStore) ListAttempts(ctx context.Context, runID string) ([]model.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, dataset, source, position, succeeded, kind, error, row_count, dropped, duration_ms, created_at
		 FROM run_attempts WHERE run_id = $1 ORDER BY dataset, position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts %s", runID)
	}
	defer rows.Close()

	var out []model.AttemptRecord
	for rows.Next() {
		var a model.AttemptRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.Dataset, &a.Source, &a.Position, &a.Succeeded,
			&a.Kind, &a.Error, &a.Rows, &a.Dropped, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}
