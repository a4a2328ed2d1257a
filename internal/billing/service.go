// internal/billing/service.go
package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the balance engine.
type Service interface {
	// CalculateBalance settles elapsed decay and returns the day balance.
	// Members who never paid have balance 0 and no record is created.
	CalculateBalance(ctx context.Context, memberID uuid.UUID) (int, error)
	// AddPayment credits a payment and returns the new day balance.
	AddPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, opts PaymentOptions) (int, error)
	// RequestPayment records a payment the member must still approve with the
	// provider. No days are credited until ConfirmPayment.
	RequestPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, channel, reference string) (*PaymentRequest, error)
	// ConfirmPayment credits a pending request under the provider's receipt
	// and returns the new day balance.
	ConfirmPayment(ctx context.Context, requestID uuid.UUID, receipt string) (int, error)
	GetPaymentRequest(ctx context.Context, requestID uuid.UUID) (*PaymentRequest, error)
	// SendReminder texts a member in arrears. It returns nil when none was due.
	SendReminder(ctx context.Context, memberID uuid.UUID) (*ReminderMessage, error)
	ProcessDailyReminders(ctx context.Context) (*ReminderRun, error)

	GetBalance(ctx context.Context, memberID uuid.UUID) (*BalanceView, error)
	Statement(ctx context.Context, memberID uuid.UUID) (*Statement, error)
	AdjustBalance(ctx context.Context, memberID uuid.UUID, deltaDays int, reason string) (int, error)
	// Journal returns up to limit ledger entries with ids above afterID, for
	// reconciliation against the payment provider.
	Journal(ctx context.Context, afterID int64, limit int) ([]Transaction, error)
}
