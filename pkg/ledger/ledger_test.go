package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "member_id", "sequence", "amount", "days_paid", "method", "reference", "metadata", "created_at"}

func newMock(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestAppendAssignsSequence(t *testing.T) {
	l, mock := newMock(t)
	memberID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_ledger")).
		WithArgs(memberID, decimal.NewFromInt(1400), 7, "M-Pesa", "QK12AB", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence"}).AddRow(41, 3))

	e, err := l.Append(context.Background(), nil, Entry{
		MemberID:  memberID,
		Amount:    decimal.NewFromInt(1400),
		DaysPaid:  7,
		Method:    "M-Pesa",
		Reference: "QK12AB",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), e.ID)
	assert.Equal(t, 3, e.Sequence)
	assert.False(t, e.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendJoinsTransaction(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_ledger")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence"}).AddRow(1, 1))
	mock.ExpectCommit()

	tx, err := l.db.Begin()
	require.NoError(t, err)
	_, err = l.Append(context.Background(), tx, Entry{MemberID: uuid.New(), Amount: decimal.NewFromInt(200), DaysPaid: 1, Method: "Cash"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendUniqueViolationIsSequenceConflict(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_ledger")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := l.Append(context.Background(), nil, Entry{MemberID: uuid.New(), Amount: decimal.NewFromInt(200), Method: "M-Pesa"})
	assert.ErrorIs(t, err, ErrSequenceConflict)
}

func TestAppendDuplicateReference(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payment_ledger")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payment_ledger_member_reference",
			Message: "duplicate key value violates unique constraint"})

	_, err := l.Append(context.Background(), nil, Entry{MemberID: uuid.New(), Amount: decimal.NewFromInt(200), Method: "M-Pesa", Reference: "QK12AB"})
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.NotErrorIs(t, err, ErrSequenceConflict)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	l, _ := newMock(t)
	ctx := context.Background()

	_, err := l.Append(ctx, nil, Entry{Amount: decimal.NewFromInt(1), Method: "M-Pesa"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = l.Append(ctx, nil, Entry{MemberID: uuid.New(), Amount: decimal.NewFromInt(-1), Method: "M-Pesa"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = l.Append(ctx, nil, Entry{MemberID: uuid.New(), Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLoadScansEntries(t *testing.T) {
	l, mock := newMock(t)
	memberID := uuid.New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_ledger")).
		WithArgs(memberID).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(1, memberID.String(), 1, "1400", 7, "M-Pesa", "QK12AB", []byte(`{"channel":"ussd"}`), at).
			AddRow(2, memberID.String(), 2, "0", -2, "adjustment", nil, []byte(`null`), at.Add(time.Hour)))

	entries, err := l.Load(context.Background(), memberID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, decimal.NewFromInt(1400).Equal(entries[0].Amount))
	assert.Equal(t, "ussd", entries[0].Metadata["channel"])
	assert.Equal(t, "QK12AB", entries[0].Reference)
	assert.Equal(t, -2, entries[1].DaysPaid)
	assert.Empty(t, entries[1].Reference)
	assert.Nil(t, entries[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamDefaultsBatchSize(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id > $1")).
		WithArgs(int64(10), 500).
		WillReturnRows(sqlmock.NewRows(columns))

	entries, err := l.Stream(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}
