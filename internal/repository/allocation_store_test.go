package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bansos-api/internal/models"
)

var lockProgramQuery = regexp.QuoteMeta("FROM programs WHERE id = $1 FOR UPDATE")

func lockedProgramRows(quota interface{}) *sqlmock.Rows {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return programRow(sqlmock.NewRows(programTestColumns), "prog-1", models.ProgramStatusActive, quota, start, start.AddDate(1, 0, 0))
}

func TestAllocationStoreWithinProgramCommits(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{LockTimeout: 250 * time.Millisecond})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '250ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("prog-1").
		WillReturnRows(lockedProgramRows(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(countHoldingSlotsQuery)).
		WithArgs("prog-1", models.RecipientStatusQualified, models.RecipientStatusDistributed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recipients")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var inserted *models.Recipient
	err := store.WithinProgram(context.Background(), "prog-1", func(tx AllocationTx, program *models.Program) error {
		used, err := tx.CountHoldingSlots(context.Background(), program.ID)
		if err != nil {
			return err
		}
		capacity := program.CapacityFor(used)
		require.True(t, capacity.HasRoom())
		inserted = &models.Recipient{ProgramID: program.ID, IndividualID: "ind-1", CreatedBy: "officer-1"}
		return tx.InsertRecipient(context.Background(), inserted)
	})
	require.NoError(t, err)
	require.NotNil(t, inserted)
	assert.NotEmpty(t, inserted.ID)
	assert.Equal(t, models.RecipientStatusQualified, inserted.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreRetriesSerializationFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	var retries []int
	store := NewAllocationStore(db, AllocationStoreConfig{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		OnRetry: func(scope string, attempt int, err error) {
			assert.Equal(t, "program", scope)
			retries = append(retries, attempt)
		},
	})

	mock.ExpectBegin()
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("prog-1").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("prog-1").
		WillReturnRows(lockedProgramRows(nil))
	mock.ExpectCommit()

	calls := 0
	err := store.WithinProgram(context.Background(), "prog-1", func(tx AllocationTx, program *models.Program) error {
		calls++
		assert.True(t, program.Unbounded())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{1}, retries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreGivesUpAfterMaxAttempts(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{MaxAttempts: 2, RetryBackoff: time.Millisecond})

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProgramQuery).
			WithArgs("prog-1").
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectRollback()
	}

	err := store.WithinProgram(context.Background(), "prog-1", func(tx AllocationTx, program *models.Program) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrTxConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreMissingProgram(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{})

	mock.ExpectBegin()
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(programTestColumns))
	mock.ExpectRollback()

	err := store.WithinProgram(context.Background(), "missing", func(tx AllocationTx, program *models.Program) error {
		return nil
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreCallbackErrorRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{})

	mock.ExpectBegin()
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("prog-1").
		WillReturnRows(lockedProgramRows(int64(1)))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithinProgram(context.Background(), "prog-1", func(tx AllocationTx, program *models.Program) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreMapsActiveRecipientIndexViolation(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{})

	mock.ExpectBegin()
	mock.ExpectQuery(lockProgramQuery).
		WithArgs("prog-1").
		WillReturnRows(lockedProgramRows(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recipients")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: activeRecipientIndex})
	mock.ExpectRollback()

	err := store.WithinProgram(context.Background(), "prog-1", func(tx AllocationTx, program *models.Program) error {
		return tx.InsertRecipient(context.Background(), &models.Recipient{ProgramID: program.ID, IndividualID: "ind-1"})
	})
	require.ErrorIs(t, err, ErrDuplicateRecipient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllocationStoreWithinRecipientLocksRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	store := NewAllocationStore(db, AllocationStoreConfig{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM recipients r WHERE r.id = $1 FOR UPDATE")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "program_id", "individual_id", "status"}).
			AddRow("rec-1", "prog-1", "ind-1", models.RecipientStatusQualified))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recipients SET status = ")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinRecipient(context.Background(), "rec-1", func(tx AllocationTx, recipient *models.Recipient) error {
		assert.Equal(t, models.RecipientStatusQualified, recipient.Status)
		recipient.Status = models.RecipientStatusDistributed
		return tx.UpdateRecipient(context.Background(), recipient)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, want: true},
		{name: "lock timeout", err: &pq.Error{Code: "55P03"}, want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
