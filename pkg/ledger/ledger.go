package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSequenceConflict   = errors.New("ledger sequence conflict")
	ErrDuplicateReference = errors.New("ledger reference already used by member")
	ErrInvalidEntry       = errors.New("invalid ledger entry")
)

// referenceIndex keeps non-empty references unique per member.
const referenceIndex = "payment_ledger_member_reference"

// Entry is one immutable payment journal line. Sequence runs 1..n per member.
type Entry struct {
	ID        int64             `json:"id" db:"id"`
	MemberID  uuid.UUID         `json:"member_id" db:"member_id"`
	Sequence  int               `json:"sequence" db:"sequence"`
	Amount    decimal.Decimal   `json:"amount" db:"amount"`
	DaysPaid  int               `json:"days_paid" db:"days_paid"`
	Method    string            `json:"method" db:"method"`
	Reference string            `json:"reference,omitempty" db:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

func (e Entry) validate() error {
	if e.MemberID == uuid.Nil {
		return fmt.Errorf("%w: missing member id", ErrInvalidEntry)
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidEntry)
	}
	return nil
}

// Queryer is satisfied by *sql.DB and *sql.Tx so Append can join the
// caller's transaction.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger is the append-only payment journal over Postgres.
type Ledger struct {
	db     *sql.DB
	tracer trace.Tracer
}

func New(db *sql.DB) *Ledger {
	return &Ledger{
		db:     db,
		tracer: otel.Tracer("covernexus/ledger"),
	}
}

const entryColumns = `id, member_id, sequence, amount, days_paid, method, reference, metadata, created_at`

// Append writes e with the member's next sequence number. Pass a *sql.Tx to
// commit the entry together with the balance it explains; nil uses the pool.
// A concurrent append for the same member surfaces as ErrSequenceConflict and
// a reused reference as ErrDuplicateReference.
func (l *Ledger) Append(ctx context.Context, q Queryer, e Entry) (Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			attribute.String("member.id", e.MemberID.String()),
			attribute.String("entry.method", e.Method),
			attribute.Int("entry.days", e.DaysPaid),
		),
	)
	defer span.End()

	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	if q == nil {
		q = l.db
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal metadata: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO payment_ledger (member_id, sequence, amount, days_paid, method, reference, metadata, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM payment_ledger WHERE member_id = $1), $2, $3, $4, $5, $6, $7)
		RETURNING id, sequence
	`, e.MemberID, e.Amount, e.DaysPaid, e.Method, e.Reference, metadataJSON, e.CreatedAt).Scan(&e.ID, &e.Sequence)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			if pqErr.Constraint == referenceIndex {
				return Entry{}, ErrDuplicateReference
			}
			return Entry{}, ErrSequenceConflict
		}
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("entry.id", e.ID),
		attribute.Int("entry.sequence", e.Sequence),
	)
	return e, nil
}

// Load returns a member's entries in sequence order.
func (l *Ledger) Load(ctx context.Context, memberID uuid.UUID) ([]Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.load",
		trace.WithAttributes(attribute.String("member.id", memberID.String())),
	)
	defer span.End()

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM payment_ledger
		WHERE member_id = $1
		ORDER BY sequence ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// Stream pages through the whole journal by id, for exports and projections.
func (l *Ledger) Stream(ctx context.Context, fromID int64, batchSize int) ([]Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	if batchSize <= 0 {
		batchSize = 500
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM payment_ledger
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query ledger stream: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.streamed", len(entries)))
	return entries, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			reference    sql.NullString
			metadataJSON []byte
		)
		err := rows.Scan(
			&e.ID,
			&e.MemberID,
			&e.Sequence,
			&e.Amount,
			&e.DaysPaid,
			&e.Method,
			&reference,
			&metadataJSON,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Reference = reference.String
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}
