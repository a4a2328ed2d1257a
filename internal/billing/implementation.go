// internal/billing/implementation.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"covernexus/internal/cover"
	"covernexus/internal/lock"
	"covernexus/internal/membership"
	"covernexus/internal/notify"
	"covernexus/pkg/ledger"
)

// MemberDirectory is the engine's view of the membership service.
type MemberDirectory interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
	ActiveFamily(ctx context.Context, id uuid.UUID) ([]*membership.FamilyMember, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status membership.Status) error
}

// PlanRegistry resolves a member's cover plan to its daily rate.
type PlanRegistry interface {
	Lookup(id string) (cover.Plan, error)
}

// service implements the Service interface.
type service struct {
	repo     Repository
	members  MemberDirectory
	plans    PlanRegistry
	notifier notify.Notifier
	locker   lock.Locker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
	metrics  metrics
}

// Option customises the service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates the balance engine.
func NewService(repo Repository, members MemberDirectory, plans PlanRegistry, notifier notify.Notifier, locker lock.Locker, logger *slog.Logger, cfg Config, opts ...Option) Service {
	s := &service{
		repo:     repo,
		members:  members,
		plans:    plans,
		notifier: notifier,
		locker:   locker,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		tracer:   otel.Tracer("covernexus/billing"),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *service) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("lock member %s: %w", id, err)
	}
	return unlock, nil
}

// load reads the balance and persists any decay owed up to now. The caller
// holds the member lock. A nil balance means the member never paid. before is
// the status stored prior to settling, for callers deciding whether to push.
func (s *service) load(ctx context.Context, id uuid.UUID, now time.Time) (b *PaymentBalance, before membership.Status, err error) {
	b, err = s.repo.GetBalance(ctx, id)
	if errors.Is(err, ErrBalanceNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	before = b.Status
	if !settle(b, now, s.cfg.GracePeriodDays) {
		return b, before, nil
	}
	b.Status = DeriveStatus(b.BalanceDays, s.cfg.GracePeriodDays)
	if err := s.repo.SaveBalance(ctx, b); err != nil {
		return nil, "", fmt.Errorf("save settled balance: %w", err)
	}
	return b, before, nil
}

// pushStatus mirrors the derived status onto the member record. The balance
// row stays authoritative, so a failure is logged and not returned.
func (s *service) pushStatus(ctx context.Context, id uuid.UUID, status membership.Status) {
	if err := s.members.UpdateStatus(ctx, id, status); err != nil {
		s.logger.ErrorContext(ctx, "failed to update member status", "member_id", id, "status", status, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "member status derived", "member_id", id, "status", status)
}

func (s *service) memberPlan(ctx context.Context, id uuid.UUID) (*membership.Member, cover.Plan, error) {
	m, err := s.members.GetMember(ctx, id)
	if err != nil {
		return nil, cover.Plan{}, fmt.Errorf("get member: %w", err)
	}
	plan, err := s.plans.Lookup(m.CoverPlan)
	if err != nil {
		return nil, cover.Plan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return m, plan, nil
}

func (s *service) CalculateBalance(ctx context.Context, memberID uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "billing.calculate_balance",
		trace.WithAttributes(attribute.String("member.id", memberID.String())))
	defer span.End()

	unlock, err := s.lock(ctx, memberID)
	if err != nil {
		return 0, fail(span, err)
	}
	defer unlock()

	b, before, err := s.load(ctx, memberID, s.now().UTC())
	if err != nil {
		return 0, fail(span, err)
	}
	if b == nil {
		return 0, nil
	}
	if b.Status != before {
		s.pushStatus(ctx, memberID, b.Status)
	}
	span.SetAttributes(attribute.Int("balance.days", b.BalanceDays))
	return b.BalanceDays, nil
}

func (s *service) AddPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, opts PaymentOptions) (int, error) {
	ctx, span := s.tracer.Start(ctx, "billing.add_payment",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.String("payment.amount", amount.String()),
		))
	defer span.End()

	if !validAmount(amount) {
		return 0, fail(span, ErrInvalidAmount)
	}
	if opts.DaysPaid != nil && *opts.DaysPaid < 0 {
		return 0, fail(span, fmt.Errorf("%w: days paid must not be negative", ErrInvalidInput))
	}
	member, plan, err := s.memberPlan(ctx, memberID)
	if err != nil {
		return 0, fail(span, err)
	}
	days := DaysFor(amount, plan.DailyRate)
	if opts.DaysPaid != nil {
		days = *opts.DaysPaid
	}
	method := strings.TrimSpace(opts.Method)
	if method == "" {
		method = s.cfg.DefaultMethod
	}

	b, err := s.applyPayment(ctx, member, amount, days, method, opts)
	if err != nil {
		return 0, fail(span, err)
	}
	span.SetAttributes(attribute.Int("payment.days", days), attribute.Int("balance.days", b.BalanceDays))

	attrs := metric.WithAttributes(attribute.String("plan", plan.ID), attribute.String("method", method))
	s.metrics.payments.Add(ctx, 1, attrs)
	s.metrics.daysCredited.Add(ctx, int64(days), attrs)
	s.logger.InfoContext(ctx, "payment applied",
		"member_id", memberID, "amount", amount.String(), "days", days, "balance_days", b.BalanceDays, "method", method)

	receipt := notify.Message{
		To:       member.PhoneNumber,
		MemberID: memberID,
		Kind:     notify.KindReceipt,
		Body:     receiptText(member.Name, amount, days, b.BalanceDays, s.cfg.Currency, paidThrough(b)),
	}
	if err := s.notifier.Send(ctx, receipt); err != nil {
		s.logger.WarnContext(ctx, "receipt sms not sent", "member_id", memberID, "error", err)
	}
	return b.BalanceDays, nil
}

func (s *service) RequestPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, channel, reference string) (*PaymentRequest, error) {
	ctx, span := s.tracer.Start(ctx, "billing.request_payment",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.String("payment.amount", amount.String()),
		))
	defer span.End()

	if !validAmount(amount) {
		return nil, fail(span, ErrInvalidAmount)
	}
	if _, _, err := s.memberPlan(ctx, memberID); err != nil {
		return nil, fail(span, err)
	}
	p := &PaymentRequest{
		ID:        uuid.New(),
		MemberID:  memberID,
		Amount:    amount,
		Channel:   strings.TrimSpace(channel),
		Reference: strings.TrimSpace(reference),
		Status:    RequestPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreatePaymentRequest(ctx, p); err != nil {
		return nil, fail(span, fmt.Errorf("record payment request: %w", err))
	}
	span.SetAttributes(attribute.String("request.id", p.ID.String()))
	s.logger.InfoContext(ctx, "payment requested",
		"request_id", p.ID, "member_id", memberID, "amount", amount.String(), "channel", p.Channel)
	return p, nil
}

// ConfirmPayment is idempotent per receipt: a retry after the credit landed
// but before the request was marked finds the journalled receipt and only
// closes the request.
func (s *service) ConfirmPayment(ctx context.Context, requestID uuid.UUID, receipt string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "billing.confirm_payment",
		trace.WithAttributes(attribute.String("request.id", requestID.String())))
	defer span.End()

	receipt = strings.TrimSpace(receipt)
	if receipt == "" {
		return 0, fail(span, fmt.Errorf("%w: receipt is required", ErrInvalidInput))
	}
	unlock, err := s.locker.Lock(ctx, "payreq:"+requestID.String())
	if err != nil {
		return 0, fail(span, fmt.Errorf("lock payment request %s: %w", requestID, err))
	}
	defer unlock()

	p, err := s.repo.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return 0, fail(span, err)
	}
	if p.Status != RequestPending {
		return 0, fail(span, ErrPaymentRequestSettled)
	}

	balance, err := s.AddPayment(ctx, p.MemberID, p.Amount, PaymentOptions{
		Reference: receipt,
		Metadata:  map[string]string{"channel": p.Channel, "request_id": p.ID.String()},
	})
	if errors.Is(err, ErrDuplicatePayment) && s.credited(ctx, p, receipt) {
		s.logger.WarnContext(ctx, "receipt already journalled, closing request", "request_id", requestID, "receipt", receipt)
		balance, err = s.CalculateBalance(ctx, p.MemberID)
	}
	if err != nil {
		return 0, fail(span, err)
	}
	if err := s.repo.ConfirmPaymentRequest(ctx, requestID, receipt, s.now().UTC()); err != nil {
		return 0, fail(span, fmt.Errorf("close payment request: %w", err))
	}
	return balance, nil
}

func (s *service) GetPaymentRequest(ctx context.Context, requestID uuid.UUID) (*PaymentRequest, error) {
	return s.repo.GetPaymentRequest(ctx, requestID)
}

// credited reports whether receipt was journalled for this very request.
func (s *service) credited(ctx context.Context, p *PaymentRequest, receipt string) bool {
	txs, err := s.repo.Transactions(ctx, p.MemberID)
	if err != nil {
		return false
	}
	for _, tx := range txs {
		if tx.Reference == receipt && tx.Metadata["request_id"] == p.ID.String() {
			return true
		}
	}
	return false
}

func (s *service) applyPayment(ctx context.Context, member *membership.Member, amount decimal.Decimal, days int, method string, opts PaymentOptions) (*PaymentBalance, error) {
	unlock, err := s.lock(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	b, _, err := s.load(ctx, member.ID, now)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = &PaymentBalance{MemberID: member.ID, TotalPaid: decimal.Zero, SettledAt: now}
	}
	b.BalanceDays += days
	b.LastPaymentDate = &now
	b.TotalPaid = b.TotalPaid.Add(amount)
	b.Status = DeriveStatus(b.BalanceDays, s.cfg.GracePeriodDays)

	_, err = s.repo.RecordEntry(ctx, b, ledger.Entry{
		MemberID:  member.ID,
		Amount:    amount,
		DaysPaid:  days,
		Method:    method,
		Reference: strings.TrimSpace(opts.Reference),
		Metadata:  opts.Metadata,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if member.Status != b.Status {
		s.pushStatus(ctx, member.ID, b.Status)
	}
	return b, nil
}

func (s *service) SendReminder(ctx context.Context, memberID uuid.UUID) (*ReminderMessage, error) {
	ctx, span := s.tracer.Start(ctx, "billing.send_reminder",
		trace.WithAttributes(attribute.String("member.id", memberID.String())))
	defer span.End()

	unlock, err := s.lock(ctx, memberID)
	if err != nil {
		return nil, fail(span, err)
	}
	defer unlock()

	now := s.now().UTC()
	b, before, err := s.load(ctx, memberID, now)
	if err != nil {
		return nil, fail(span, err)
	}
	if b != nil && b.Status != before {
		s.pushStatus(ctx, memberID, b.Status)
	}
	if b == nil || b.BalanceDays >= 0 {
		return nil, nil
	}

	member, plan, err := s.memberPlan(ctx, memberID)
	if err != nil {
		return nil, fail(span, err)
	}
	grace := s.cfg.GracePeriodDays
	msg := &ReminderMessage{
		MemberID:    memberID,
		PhoneNumber: member.PhoneNumber,
		BalanceDays: b.BalanceDays,
		AmountDue:   AmountDue(b.BalanceDays, plan.DailyRate),
		WithinGrace: b.BalanceDays >= -grace,
	}
	spouse := ""
	if msg.WithinGrace {
		spouse = s.activeSpouse(ctx, memberID)
	}
	msg.Body = reminderText(member.Name, spouse, b.BalanceDays, grace, s.cfg.Currency, msg.AmountDue)

	err = s.notifier.Send(ctx, notify.Message{To: member.PhoneNumber, Body: msg.Body, Kind: notify.KindReminder, MemberID: memberID})
	if err != nil {
		s.metrics.remindersFailed.Add(ctx, 1)
		if !errors.Is(err, notify.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", notify.ErrDeliveryFailed, err)
		}
		return nil, fail(span, fmt.Errorf("remind member %s: %w", memberID, err))
	}

	next := now.Add(s.cfg.ReminderInterval)
	b.NextReminderDate = &next
	if err := s.repo.SaveBalance(ctx, b); err != nil {
		return nil, fail(span, fmt.Errorf("record reminder: %w", err))
	}
	s.metrics.remindersSent.Add(ctx, 1, metric.WithAttributes(attribute.Bool("within_grace", msg.WithinGrace)))
	s.logger.InfoContext(ctx, "reminder sent", "member_id", memberID, "balance_days", b.BalanceDays, "amount_due", msg.AmountDue.String())
	return msg, nil
}

// activeSpouse personalises reminder text. Lookup failures only cost the
// personalisation.
func (s *service) activeSpouse(ctx context.Context, memberID uuid.UUID) string {
	family, err := s.members.ActiveFamily(ctx, memberID)
	if err != nil {
		s.logger.WarnContext(ctx, "family lookup failed", "member_id", memberID, "error", err)
		return ""
	}
	for _, f := range family {
		if f.Relationship == membership.RelationshipSpouse && f.Active {
			return f.Name
		}
	}
	return ""
}

// ProcessDailyReminders sends one reminder to every member in arrears. A
// member whose next reminder is due later than ReminderSlack from now is
// skipped. Individual failures are counted and never stop the pass.
func (s *service) ProcessDailyReminders(ctx context.Context) (*ReminderRun, error) {
	ctx, span := s.tracer.Start(ctx, "billing.process_daily_reminders")
	defer span.End()

	now := s.now().UTC()
	run := &ReminderRun{StartedAt: now}
	due, err := s.repo.ListInArrears(ctx, now)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list arrears: %w", err))
	}

	cutoff := now.Add(s.cfg.ReminderSlack)
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			run.FinishedAt = s.now().UTC()
			return run, fail(span, err)
		}
		run.Scanned++
		if b.NextReminderDate != nil && b.NextReminderDate.After(cutoff) {
			run.Skipped++
			continue
		}
		msg, err := s.SendReminder(ctx, b.MemberID)
		switch {
		case err != nil:
			run.Failed++
			s.logger.WarnContext(ctx, "reminder failed", "member_id", b.MemberID, "error", err)
		case msg == nil:
			run.Skipped++
		default:
			run.Sent++
		}
	}
	run.FinishedAt = s.now().UTC()

	span.SetAttributes(
		attribute.Int("run.scanned", run.Scanned),
		attribute.Int("run.sent", run.Sent),
		attribute.Int("run.failed", run.Failed),
	)
	s.logger.InfoContext(ctx, "reminder run finished",
		"scanned", run.Scanned, "sent", run.Sent, "skipped", run.Skipped, "failed", run.Failed)
	return run, nil
}

func paidThrough(b *PaymentBalance) *time.Time {
	if b == nil || b.BalanceDays <= 0 {
		return nil
	}
	t := b.SettledAt.Add(time.Duration(b.BalanceDays) * day)
	return &t
}

func (s *service) GetBalance(ctx context.Context, memberID uuid.UUID) (*BalanceView, error) {
	member, plan, err := s.memberPlan(ctx, memberID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, memberID)
	if err != nil {
		return nil, err
	}
	b, before, err := s.load(ctx, memberID, s.now().UTC())
	if err == nil && b != nil && b.Status != before {
		s.pushStatus(ctx, memberID, b.Status)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	view := &BalanceView{
		MemberID:  memberID,
		CoverPlan: member.CoverPlan,
		DailyRate: plan.DailyRate,
		Status:    DeriveStatus(0, s.cfg.GracePeriodDays),
		TotalPaid: decimal.Zero,
		AmountDue: decimal.Zero,
	}
	if b != nil {
		view.BalanceDays = b.BalanceDays
		view.Status = DeriveStatus(b.BalanceDays, s.cfg.GracePeriodDays)
		view.AmountDue = AmountDue(b.BalanceDays, plan.DailyRate)
		view.TotalPaid = b.TotalPaid
		view.LastPaymentDate = b.LastPaymentDate
		view.NextReminderDate = b.NextReminderDate
		view.PaidThrough = paidThrough(b)
	}
	return view, nil
}

func (s *service) Statement(ctx context.Context, memberID uuid.UUID) (*Statement, error) {
	view, err := s.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	txs, err := s.repo.Transactions(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return &Statement{BalanceView: *view, Transactions: txs}, nil
}

// maxJournalPage caps one Journal page.
const maxJournalPage = 1000

func (s *service) Journal(ctx context.Context, afterID int64, limit int) ([]Transaction, error) {
	if afterID < 0 {
		return nil, fmt.Errorf("%w: after must not be negative", ErrInvalidInput)
	}
	if limit <= 0 || limit > maxJournalPage {
		limit = maxJournalPage
	}
	entries, err := s.repo.Journal(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if entries == nil {
		entries = []Transaction{}
	}
	return entries, nil
}

// AdjustBalance credits or debits days outside the payment flow, e.g. a
// goodwill credit. It is journalled as a zero-amount adjustment entry.
func (s *service) AdjustBalance(ctx context.Context, memberID uuid.UUID, deltaDays int, reason string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "billing.adjust_balance",
		trace.WithAttributes(attribute.String("member.id", memberID.String()), attribute.Int("adjust.days", deltaDays)))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if deltaDays == 0 {
		return 0, fail(span, fmt.Errorf("%w: adjustment must change the balance", ErrInvalidInput))
	}
	if reason == "" {
		return 0, fail(span, fmt.Errorf("%w: reason is required", ErrInvalidInput))
	}
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return 0, fail(span, fmt.Errorf("get member: %w", err))
	}

	unlock, err := s.lock(ctx, memberID)
	if err != nil {
		return 0, fail(span, err)
	}
	defer unlock()

	now := s.now().UTC()
	b, _, err := s.load(ctx, memberID, now)
	if err != nil {
		return 0, fail(span, err)
	}
	if b == nil {
		b = &PaymentBalance{MemberID: memberID, TotalPaid: decimal.Zero, SettledAt: now}
	}
	b.BalanceDays += deltaDays
	b.Status = DeriveStatus(b.BalanceDays, s.cfg.GracePeriodDays)

	_, err = s.repo.RecordEntry(ctx, b, ledger.Entry{
		MemberID:  memberID,
		Amount:    decimal.Zero,
		DaysPaid:  deltaDays,
		Method:    MethodAdjustment,
		Metadata:  map[string]string{"reason": reason},
		CreatedAt: now,
	})
	if err != nil {
		return 0, fail(span, fmt.Errorf("record adjustment: %w", err))
	}
	if member.Status != b.Status {
		s.pushStatus(ctx, memberID, b.Status)
	}
	s.metrics.adjustments.Add(ctx, 1)
	s.logger.InfoContext(ctx, "balance adjusted", "member_id", memberID, "days", deltaDays, "balance_days", b.BalanceDays, "reason", reason)
	return b.BalanceDays, nil
}
