// Package store persists the run ledger: one row per pipeline run and one
// row per fallback candidate tried.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Asset  string          `json:"asset,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DefaultListLimit caps ListRuns when the filter sets no limit.
const DefaultListLimit = 100

// Store defines the run ledger.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, asset string, datasets []string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Attempts
	RecordAttempts(ctx context.Context, runID string, attempts []model.AttemptRecord) error
	ListAttempts(ctx context.Context, runID string) ([]model.AttemptRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for a driver name: sqlite (dsn is a file path) or
// postgres (dsn is a connection string). The schema is migrated.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(driver) {
	case "sqlite", "":
		if dsn == "" {
			dsn = "tilepop.db"
		}
		st, err = NewSQLite(dsn)
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, eris.New("store: postgres driver needs a database url")
		}
		st, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
