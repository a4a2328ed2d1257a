// internal/billing/postgres.go
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"covernexus/pkg/ledger"
)

const balanceColumns = `member_id, balance_days, last_payment_date, total_paid, next_reminder_date, settled_at, status, version`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresRepository keeps balances in payment_balances and the journal in
// payment_ledger.
type PostgresRepository struct {
	db     *sqlx.DB
	ledger *ledger.Ledger
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db, ledger: ledger.New(db.DB)}
}

func (r *PostgresRepository) GetBalance(ctx context.Context, memberID uuid.UUID) (*PaymentBalance, error) {
	var b PaymentBalance
	err := r.db.GetContext(ctx, &b, `SELECT `+balanceColumns+` FROM payment_balances WHERE member_id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &b, nil
}

func saveBalance(ctx context.Context, ex execer, b *PaymentBalance) error {
	var (
		res sql.Result
		err error
	)
	if b.Version == 0 {
		res, err = ex.ExecContext(ctx, `
			INSERT INTO payment_balances (`+balanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (member_id) DO NOTHING
		`, b.MemberID, b.BalanceDays, b.LastPaymentDate, b.TotalPaid, b.NextReminderDate, b.SettledAt, b.Status)
	} else {
		res, err = ex.ExecContext(ctx, `
			UPDATE payment_balances
			SET balance_days = $1, last_payment_date = $2, total_paid = $3, next_reminder_date = $4,
			    settled_at = $5, status = $6, version = version + 1
			WHERE member_id = $7 AND version = $8
		`, b.BalanceDays, b.LastPaymentDate, b.TotalPaid, b.NextReminderDate, b.SettledAt, b.Status, b.MemberID, b.Version)
	}
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	b.Version++
	return nil
}

func (r *PostgresRepository) SaveBalance(ctx context.Context, b *PaymentBalance) error {
	return saveBalance(ctx, r.db, b)
}

// RecordEntry commits the balance row and its journal line in one transaction.
func (r *PostgresRepository) RecordEntry(ctx context.Context, b *PaymentBalance, e ledger.Entry) (ledger.Entry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	version := b.Version
	if err := saveBalance(ctx, tx, b); err != nil {
		return ledger.Entry{}, err
	}
	e.MemberID = b.MemberID
	stored, err := r.ledger.Append(ctx, tx, e)
	if err != nil {
		b.Version = version
		if errors.Is(err, ledger.ErrSequenceConflict) {
			return ledger.Entry{}, fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
		}
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return ledger.Entry{}, fmt.Errorf("%w: %w", ErrDuplicatePayment, err)
		}
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		b.Version = version
		return ledger.Entry{}, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) Transactions(ctx context.Context, memberID uuid.UUID) ([]ledger.Entry, error) {
	return r.ledger.Load(ctx, memberID)
}

func (r *PostgresRepository) Journal(ctx context.Context, afterID int64, limit int) ([]ledger.Entry, error) {
	return r.ledger.Stream(ctx, afterID, limit)
}

// ListInArrears selects rows whose decay up to asOf takes them below zero:
// balance_days is less than the whole days elapsed since settled_at. The
// comparison runs in numeric so no balance can overflow it.
func (r *PostgresRepository) ListInArrears(ctx context.Context, asOf time.Time) ([]*PaymentBalance, error) {
	var out []*PaymentBalance
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+balanceColumns+`
		FROM payment_balances
		WHERE balance_days < GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($1::timestamptz - settled_at)) / 86400))
		ORDER BY member_id
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list arrears: %w", err)
	}
	return out, nil
}

const requestColumns = `id, member_id, amount, channel, reference, status, receipt, created_at, confirmed_at`

func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, p *PaymentRequest) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payment_requests (`+requestColumns+`)
		VALUES (:id, :member_id, :amount, :channel, :reference, :status, :receipt, :created_at, :confirmed_at)
	`, p)
	if err != nil {
		return fmt.Errorf("insert payment request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPaymentRequest(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	var p PaymentRequest
	err := r.db.GetContext(ctx, &p, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment request: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) ConfirmPaymentRequest(ctx context.Context, id uuid.UUID, receipt string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = 'confirmed', receipt = $1, confirmed_at = $2
		WHERE id = $3 AND status = 'pending'
	`, receipt, at, id)
	if err != nil {
		return fmt.Errorf("confirm payment request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm payment request: %w", err)
	}
	if n == 0 {
		if _, err := r.GetPaymentRequest(ctx, id); err != nil {
			return err
		}
		return ErrPaymentRequestSettled
	}
	return nil
}
