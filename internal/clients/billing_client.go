// internal/clients/billing_client.go
package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"covernexus/internal/billing"
)

// BillingClient reaches the billing service's internal routes.
type BillingClient struct {
	base
}

func NewBillingClient(baseURL, internalKey string, timeout time.Duration) *BillingClient {
	return &BillingClient{base: newBase(baseURL, internalKey, timeout)}
}

// RunReminders triggers one daily reminder pass and returns its counts.
func (c *BillingClient) RunReminders(ctx context.Context) (*billing.ReminderRun, error) {
	var run billing.ReminderRun
	if err := c.do(ctx, http.MethodPost, "/internal/reminders/run", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *BillingClient) GetBalance(ctx context.Context, memberID uuid.UUID) (*billing.BalanceView, error) {
	var view billing.BalanceView
	if err := c.do(ctx, http.MethodGet, "/internal/members/"+memberID.String()+"/balance", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}
