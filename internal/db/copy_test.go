package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	assert.Equal(t, pgx.Identifier{"tile_population"}, Identifier("tile_population"))
	assert.Equal(t, pgx.Identifier{"analytics", "tile_population"}, Identifier("analytics.tile_population"))
}

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "tile_population", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"analytics", "tile_population"}, []string{"a", "b"}).WillReturnResult(3)

	rows := [][]any{{1, "x"}, {2, "y"}, {3, "z"}}
	n, err := CopyFrom(context.Background(), mock, "analytics.tile_population", []string{"a", "b"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"tile_population"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "tile_population", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO tile_population")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "tile_population" WHERE "run_id" = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectCopyFrom(pgx.Identifier{"tile_population"}, []string{"run_id", "tile_id"}).WillReturnResult(2)
	mock.ExpectCommit()

	n, err := Replace(context.Background(), mock, ReplaceConfig{
		Table:     "tile_population",
		Columns:   []string{"run_id", "tile_id"},
		KeyColumn: "run_id",
		Key:       "run-1",
	}, [][]any{{"run-1", "T1"}, {"run-1", "T2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_DeleteFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WithArgs("run-1").WillReturnError(fmt.Errorf("relation does not exist"))
	mock.ExpectRollback()

	_, err = Replace(context.Background(), mock, ReplaceConfig{
		Table: "tile_population", Columns: []string{"run_id"}, KeyColumn: "run_id", Key: "run-1",
	}, [][]any{{"run-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete from tile_population")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_Validation(t *testing.T) {
	_, err := Replace(context.Background(), nil, ReplaceConfig{Table: "t"}, nil)
	assert.ErrorContains(t, err, "no columns")

	_, err = Replace(context.Background(), nil, ReplaceConfig{Table: "t", Columns: []string{"a"}}, nil)
	assert.ErrorContains(t, err, "no key column")
}
