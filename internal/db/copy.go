package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into table (optionally schema-qualified) with COPY.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := pool.CopyFrom(ctx, Identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// ReplaceConfig describes a keyed replace: every row of Table whose KeyColumn
// equals Key is deleted, then Rows are copied in, all in one transaction.
type ReplaceConfig struct {
	Table     string
	Columns   []string
	KeyColumn string
	Key       any
}

// Replace runs a keyed delete and COPY in a single transaction.
func Replace(ctx context.Context, pool Pool, cfg ReplaceConfig, rows [][]any) (int64, error) {
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: replace: no columns specified")
	}
	if cfg.KeyColumn == "" {
		return 0, eris.New("db: replace: no key column specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		Identifier(cfg.Table).Sanitize(),
		pgx.Identifier{cfg.KeyColumn}.Sanitize(),
	)
	if _, err := tx.Exec(ctx, del, cfg.Key); err != nil {
		return 0, eris.Wrapf(err, "db: replace: delete from %s", cfg.Table)
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, Identifier(cfg.Table), cfg.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace: COPY INTO %s", cfg.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return n, nil
}
