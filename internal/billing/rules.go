// internal/billing/rules.go
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"covernexus/internal/membership"
)

const day = 24 * time.Hour

// DeriveStatus maps a day balance to cover status.
func DeriveStatus(balanceDays, graceDays int) membership.Status {
	switch {
	case balanceDays >= 0:
		return membership.StatusActive
	case balanceDays >= -graceDays:
		return membership.StatusInactive
	default:
		return membership.StatusSuspended
	}
}

// Decay charges days of cover against balance. Decay stops at -graceDays and
// never raises a balance that is already below it.
func Decay(balanceDays, days, graceDays int) int {
	if days <= 0 {
		return balanceDays
	}
	floor := -graceDays
	if balanceDays <= floor {
		return balanceDays
	}
	if balanceDays-days < floor {
		return floor
	}
	return balanceDays - days
}

// DaysFor converts an amount into whole days of cover at rate.
func DaysFor(amount, rate decimal.Decimal) int {
	if !rate.IsPositive() || !amount.IsPositive() {
		return 0
	}
	return int(amount.Div(rate).Floor().IntPart())
}

// validAmount accepts positive amounts in whole cents, the precision the
// ledger stores.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

// AmountDue is the money needed to bring balanceDays back to zero.
func AmountDue(balanceDays int, rate decimal.Decimal) decimal.Decimal {
	if balanceDays >= 0 {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(int64(-balanceDays)))
}

// elapsedDays counts the whole days between settledAt and now.
func elapsedDays(settledAt, now time.Time) int {
	elapsed := now.Sub(settledAt)
	if elapsed < day {
		return 0
	}
	return int(elapsed / day)
}

// inArrears reports whether b goes negative once settled to asOf. With any
// grace period it agrees with effectiveBalance(b, asOf, grace) < 0.
func inArrears(b *PaymentBalance, asOf time.Time) bool {
	return b.BalanceDays < elapsedDays(b.SettledAt, asOf)
}

// settle brings b current to now. It reports whether anything changed.
func settle(b *PaymentBalance, now time.Time, graceDays int) bool {
	days := elapsedDays(b.SettledAt, now)
	if days == 0 {
		return false
	}
	b.SettledAt = b.SettledAt.Add(time.Duration(days) * day)
	b.BalanceDays = Decay(b.BalanceDays, days, graceDays)
	return true
}

// effectiveBalance is what settle would leave, without touching b.
func effectiveBalance(b *PaymentBalance, now time.Time, graceDays int) int {
	cp := *b
	settle(&cp, now, graceDays)
	return cp.BalanceDays
}

func reminderText(name, spouse string, balanceDays, graceDays int, currency string, due decimal.Decimal) string {
	if balanceDays >= -graceDays {
		covered := "You"
		if spouse != "" {
			covered = "You, " + spouse + ","
		}
		return fmt.Sprintf("Hello %s, your medical cover for today is NOT active. %s and your children are currently NOT covered for hospital visits. Pay %s %s now to restore protection immediately.",
			name, covered, currency, due.String())
	}
	return fmt.Sprintf("Habari %s, you are currently %d days in arrears. To access the hospital today, you need to catch up. Pay %s %s now to clear your debt and activate your account.",
		name, -balanceDays, currency, due.String())
}

func receiptText(name string, amount decimal.Decimal, days, balanceDays int, currency string, paidThrough *time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment received! %s, %s %s for %d days. New balance: %d days.", name, currency, amount.String(), days, balanceDays)
	if paidThrough != nil {
		fmt.Fprintf(&b, " Cover active until %s.", paidThrough.Format("02 Jan 2006"))
	}
	return b.String()
}
