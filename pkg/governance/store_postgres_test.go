package governance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CreateAssignsNextVersion(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM policy`).
		WithArgs("rate-cap").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO policy`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	now := time.Now().UTC()
	created, err := store.Create(context.Background(), Policy{
		ID: "pol-1", Name: "rate-cap", Severity: SeverityLow, Rule: "true",
		State: StateDraft, CreatedAt: now, UpdatedAt: now,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, created.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policy SET state`).
		WithArgs("canary", "pol-1", "simulating").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("pol-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	err = store.Transition(context.Background(), "pol-1", StateSimulating, StateCanary, "tester", "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionWritesHistory(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policy SET state`).
		WithArgs("simulating", "pol-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO policy_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.Transition(context.Background(), "pol-1", StateDraft, StateSimulating, "tester", "", nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionHookFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policy SET state`).
		WithArgs("simulating", "pol-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO policy_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	err = store.Transition(context.Background(), "pol-1", StateDraft, StateSimulating, "tester", "",
		func(context.Context, *sql.Tx) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
