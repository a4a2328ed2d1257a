// internal/billing/domain.go
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covernexus/internal/httpx"
	"covernexus/internal/membership"
	"covernexus/pkg/ledger"
)

// Ledger methods.
const (
	MethodMPesa      = "M-Pesa"
	MethodAdjustment = "adjustment"
)

var (
	ErrBalanceNotFound  = httpx.Kind(httpx.ErrNotFound, "no payment balance for member")
	ErrInvalidAmount    = httpx.Kind(httpx.ErrBadRequest, "amount must be positive with at most 2 decimal places")
	ErrInvalidInput     = httpx.Kind(httpx.ErrBadRequest, "invalid input")
	ErrConcurrentUpdate = httpx.Kind(httpx.ErrConflict, "balance was modified concurrently")
	ErrDuplicatePayment = httpx.Kind(httpx.ErrConflict, "payment reference already recorded for member")

	ErrPaymentRequestNotFound = httpx.Kind(httpx.ErrNotFound, "payment request not found")
	ErrPaymentRequestSettled  = httpx.Kind(httpx.ErrConflict, "payment request is no longer pending")
)

// PaymentBalance is a member's running day balance. BalanceDays is current as
// of SettledAt; anything later is owed decay.
type PaymentBalance struct {
	MemberID         uuid.UUID         `json:"member_id" db:"member_id"`
	BalanceDays      int               `json:"balance_days" db:"balance_days"`
	LastPaymentDate  *time.Time        `json:"last_payment_date,omitempty" db:"last_payment_date"`
	TotalPaid        decimal.Decimal   `json:"total_paid" db:"total_paid"`
	NextReminderDate *time.Time        `json:"next_reminder_date,omitempty" db:"next_reminder_date"`
	SettledAt        time.Time         `json:"settled_at" db:"settled_at"`
	Status           membership.Status `json:"status" db:"status"`
	Version          int               `json:"version" db:"version"`
}

// Transaction is one immutable journal line.
type Transaction = ledger.Entry

// PaymentOptions qualify a payment. A nil DaysPaid derives days from the
// member's daily rate.
type PaymentOptions struct {
	DaysPaid  *int
	Method    string
	Reference string
	Metadata  map[string]string
}

// Payment request states.
const (
	RequestPending   = "pending"
	RequestConfirmed = "confirmed"
)

// PaymentRequest is a payment a member asked for but the provider has not
// yet confirmed. It credits no days until ConfirmPayment.
type PaymentRequest struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	MemberID    uuid.UUID       `json:"member_id" db:"member_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Channel     string          `json:"channel" db:"channel"`
	Reference   string          `json:"reference,omitempty" db:"reference"`
	Status      string          `json:"status" db:"status"`
	Receipt     string          `json:"receipt,omitempty" db:"receipt"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// BalanceView is the read model returned to staff, USSD and members.
type BalanceView struct {
	MemberID         uuid.UUID         `json:"member_id"`
	CoverPlan        string            `json:"cover_plan"`
	DailyRate        decimal.Decimal   `json:"daily_rate"`
	BalanceDays      int               `json:"balance_days"`
	Status           membership.Status `json:"status"`
	AmountDue        decimal.Decimal   `json:"amount_due"`
	TotalPaid        decimal.Decimal   `json:"total_paid"`
	LastPaymentDate  *time.Time        `json:"last_payment_date,omitempty"`
	NextReminderDate *time.Time        `json:"next_reminder_date,omitempty"`
	PaidThrough      *time.Time        `json:"paid_through,omitempty"`
}

// Statement is a balance with its full payment history.
type Statement struct {
	BalanceView
	Transactions []Transaction `json:"transactions"`
}

// ReminderMessage is what SendReminder dispatched.
type ReminderMessage struct {
	MemberID    uuid.UUID       `json:"member_id"`
	PhoneNumber string          `json:"phone_number"`
	Body        string          `json:"body"`
	BalanceDays int             `json:"balance_days"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	WithinGrace bool            `json:"within_grace"`
}

// ReminderRun summarises one batch pass.
type ReminderRun struct {
	Scanned    int       `json:"scanned"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Config holds the engine's business parameters.
type Config struct {
	GracePeriodDays  int
	DefaultMethod    string
	Currency         string
	ReminderInterval time.Duration
	// ReminderSlack lets a batch resend to members whose next reminder falls
	// just after the batch started.
	ReminderSlack time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriodDays < 0 {
		c.GracePeriodDays = 0
	}
	if c.DefaultMethod == "" {
		c.DefaultMethod = MethodMPesa
	}
	if c.Currency == "" {
		c.Currency = "KES"
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = day
	}
	if c.ReminderSlack < 0 {
		c.ReminderSlack = 0
	}
	return c
}
