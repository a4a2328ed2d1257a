// internal/billing/repository.go
package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"covernexus/pkg/ledger"
)

// Repository stores balances and their journal. Save methods insert when
// b.Version is zero and otherwise require b.Version to match the stored row;
// on success b.Version is advanced.
type Repository interface {
	GetBalance(ctx context.Context, memberID uuid.UUID) (*PaymentBalance, error)
	SaveBalance(ctx context.Context, b *PaymentBalance) error
	// RecordEntry saves b and appends e atomically. A non-empty reference
	// already journalled for the member fails with ErrDuplicatePayment.
	RecordEntry(ctx context.Context, b *PaymentBalance, e ledger.Entry) (ledger.Entry, error)
	Transactions(ctx context.Context, memberID uuid.UUID) ([]ledger.Entry, error)
	// ListInArrears returns balances that are negative once settled to asOf.
	ListInArrears(ctx context.Context, asOf time.Time) ([]*PaymentBalance, error)
	// Journal pages through every member's entries in id order.
	Journal(ctx context.Context, afterID int64, limit int) ([]ledger.Entry, error)

	CreatePaymentRequest(ctx context.Context, p *PaymentRequest) error
	GetPaymentRequest(ctx context.Context, id uuid.UUID) (*PaymentRequest, error)
	// ConfirmPaymentRequest moves a pending request to confirmed, or fails
	// with ErrPaymentRequestSettled.
	ConfirmPaymentRequest(ctx context.Context, id uuid.UUID, receipt string, at time.Time) error
}

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]*PaymentBalance
	entries  map[uuid.UUID][]ledger.Entry
	requests map[uuid.UUID]*PaymentRequest
	nextID   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		balances: make(map[uuid.UUID]*PaymentBalance),
		entries:  make(map[uuid.UUID][]ledger.Entry),
		requests: make(map[uuid.UUID]*PaymentRequest),
	}
}

func (r *MemoryRepository) GetBalance(_ context.Context, memberID uuid.UUID) (*PaymentBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[memberID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) save(b *PaymentBalance) error {
	stored, ok := r.balances[b.MemberID]
	switch {
	case b.Version == 0 && ok:
		return ErrConcurrentUpdate
	case b.Version != 0 && (!ok || stored.Version != b.Version):
		return ErrConcurrentUpdate
	}
	b.Version++
	cp := *b
	r.balances[b.MemberID] = &cp
	return nil
}

func (r *MemoryRepository) SaveBalance(_ context.Context, b *PaymentBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(b)
}

func (r *MemoryRepository) RecordEntry(_ context.Context, b *PaymentBalance, e ledger.Entry) (ledger.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Reference != "" {
		for _, prev := range r.entries[b.MemberID] {
			if prev.Reference == e.Reference {
				return ledger.Entry{}, ErrDuplicatePayment
			}
		}
	}
	if err := r.save(b); err != nil {
		return ledger.Entry{}, err
	}
	r.nextID++
	e.ID = r.nextID
	e.MemberID = b.MemberID
	e.Sequence = len(r.entries[b.MemberID]) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.entries[b.MemberID] = append(r.entries[b.MemberID], e)
	return e, nil
}

func (r *MemoryRepository) Transactions(_ context.Context, memberID uuid.UUID) ([]ledger.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.Entry, len(r.entries[memberID]))
	copy(out, r.entries[memberID])
	return out, nil
}

func (r *MemoryRepository) ListInArrears(_ context.Context, asOf time.Time) ([]*PaymentBalance, error) {
	r.mu.RLock()
	var out []*PaymentBalance
	for _, b := range r.balances {
		if inArrears(b, asOf) {
			cp := *b
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

func (r *MemoryRepository) Journal(_ context.Context, afterID int64, limit int) ([]ledger.Entry, error) {
	r.mu.RLock()
	var out []ledger.Entry
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.ID > afterID {
				out = append(out, e)
			}
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreatePaymentRequest(_ context.Context, p *PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[p.ID]; ok {
		return fmt.Errorf("%w: payment request %s exists", ErrInvalidInput, p.ID)
	}
	cp := *p
	r.requests[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetPaymentRequest(_ context.Context, id uuid.UUID) (*PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.requests[id]
	if !ok {
		return nil, ErrPaymentRequestNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ConfirmPaymentRequest(_ context.Context, id uuid.UUID, receipt string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.requests[id]
	if !ok {
		return ErrPaymentRequestNotFound
	}
	if p.Status != RequestPending {
		return ErrPaymentRequestSettled
	}
	p.Status = RequestConfirmed
	p.Receipt = receipt
	p.ConfirmedAt = &at
	return nil
}
