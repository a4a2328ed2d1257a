// internal/ussd/menu.go
package ussd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covernexus/internal/billing"
	"covernexus/internal/cover"
	"covernexus/internal/httpx"
	"covernexus/internal/membership"
)

// Members is the slice of the membership service the menu needs.
type Members interface {
	FindByPhone(ctx context.Context, phone string) (*membership.Member, error)
	RegisterMember(ctx context.Context, req membership.RegistrationRequest) (*membership.Member, error)
}

// Billing is the slice of the balance engine the menu needs.
type Billing interface {
	RequestPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, channel, reference string) (*billing.PaymentRequest, error)
	GetBalance(ctx context.Context, memberID uuid.UUID) (*billing.BalanceView, error)
}

// Request is one gateway callback. Text holds every answer of the session so
// far, joined by '*'.
type Request struct {
	SessionID   string
	ServiceCode string
	PhoneNumber string
	Text        string
}

const (
	dobLayout   = "02/01/2006"
	notMember   = "END This number is not registered. Dial %s and choose 1 to register."
	unavailable = "END Service temporarily unavailable. Please try again later."
)

// Menu answers USSD sessions. It keeps no state: each reply is derived from
// the accumulated text.
type Menu struct {
	members     Members
	billing     Billing
	plans       []cover.Plan
	serviceCode string
	currency    string
	logger      *slog.Logger
}

func NewMenu(members Members, engine Billing, plans []cover.Plan, serviceCode, currency string, logger *slog.Logger) *Menu {
	return &Menu{
		members:     members,
		billing:     engine,
		plans:       plans,
		serviceCode: serviceCode,
		currency:    currency,
		logger:      logger,
	}
}

// Respond returns the CON or END reply for req.
func (m *Menu) Respond(ctx context.Context, req Request) string {
	var steps []string
	if t := strings.TrimSpace(req.Text); t != "" {
		steps = strings.Split(t, "*")
	}
	if len(steps) == 0 {
		return "CON Welcome to CoverNexus\n1. Register\n2. Check balance\n3. Make payment\n4. Cover status"
	}

	switch steps[0] {
	case "1":
		return m.register(ctx, req, steps[1:])
	case "2":
		return m.withMember(ctx, req, func(member *membership.Member) string { return m.balance(ctx, member) })
	case "3":
		return m.withMember(ctx, req, func(member *membership.Member) string { return m.pay(ctx, req, member, steps[1:]) })
	case "4":
		return m.withMember(ctx, req, func(member *membership.Member) string { return m.status(ctx, member) })
	default:
		return "END Invalid choice."
	}
}

func (m *Menu) withMember(ctx context.Context, req Request, fn func(*membership.Member) string) string {
	member, err := m.members.FindByPhone(ctx, req.PhoneNumber)
	if errors.Is(err, membership.ErrMemberNotFound) {
		return fmt.Sprintf(notMember, m.serviceCode)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "ussd member lookup failed", "session_id", req.SessionID, "error", err)
		return unavailable
	}
	return fn(member)
}

func (m *Menu) register(ctx context.Context, req Request, answers []string) string {
	if len(answers) == 0 {
		member, err := m.members.FindByPhone(ctx, req.PhoneNumber)
		if err == nil {
			return fmt.Sprintf("END You are already registered. Member ID: %s", member.PublicID)
		}
		if !errors.Is(err, membership.ErrMemberNotFound) {
			m.logger.ErrorContext(ctx, "ussd member lookup failed", "session_id", req.SessionID, "error", err)
			return unavailable
		}
		return "CON Enter your full name"
	}
	switch len(answers) {
	case 1:
		return "CON Enter your ID number"
	case 2:
		return "CON Enter date of birth (DD/MM/YYYY)"
	case 3:
		var b strings.Builder
		b.WriteString("CON Choose cover:")
		for i, p := range m.plans {
			fmt.Fprintf(&b, "\n%d. %s - %s %s/day", i+1, p.Name, m.currency, p.DailyRate.String())
		}
		return b.String()
	}

	dob, err := time.Parse(dobLayout, strings.TrimSpace(answers[2]))
	if err != nil {
		return "END Invalid date of birth. Use DD/MM/YYYY."
	}
	choice, err := strconv.Atoi(strings.TrimSpace(answers[3]))
	if err != nil || choice < 1 || choice > len(m.plans) {
		return "END Invalid cover choice."
	}
	plan := m.plans[choice-1]

	member, err := m.members.RegisterMember(ctx, membership.RegistrationRequest{
		Name:        strings.TrimSpace(answers[0]),
		IDNumber:    strings.TrimSpace(answers[1]),
		PhoneNumber: req.PhoneNumber,
		DateOfBirth: dob.Format("2006-01-02"),
		CoverPlan:   plan.ID,
		Channel:     membership.ChannelUSSD,
	})
	switch {
	case errors.Is(err, httpx.ErrConflict):
		return "END A member with these details already exists."
	case errors.Is(err, httpx.ErrBadRequest):
		return "END Registration failed. Please check your details and try again."
	case err != nil:
		m.logger.ErrorContext(ctx, "ussd registration failed", "session_id", req.SessionID, "error", err)
		return unavailable
	}
	return fmt.Sprintf("END Welcome %s! Member ID: %s. Daily premium: %s %s.",
		member.Name, member.PublicID, m.currency, plan.DailyRate.String())
}

func describe(balance int) string {
	switch {
	case balance > 0:
		return "overpaid"
	case balance < 0:
		return "in arrears"
	default:
		return "current"
	}
}

func (m *Menu) balanceView(ctx context.Context, member *membership.Member) (*billing.BalanceView, string) {
	view, err := m.billing.GetBalance(ctx, member.ID)
	if err != nil {
		m.logger.ErrorContext(ctx, "ussd balance failed", "member_id", member.ID, "error", err)
		return nil, unavailable
	}
	return view, ""
}

func (m *Menu) balance(ctx context.Context, member *membership.Member) string {
	view, reply := m.balanceView(ctx, member)
	if view == nil {
		return reply
	}
	out := fmt.Sprintf("END Balance: %d days (%s).", view.BalanceDays, describe(view.BalanceDays))
	if view.AmountDue.IsPositive() {
		out += fmt.Sprintf(" Pay %s %s to restore cover.", m.currency, view.AmountDue.String())
	}
	return out
}

func (m *Menu) status(ctx context.Context, member *membership.Member) string {
	view, reply := m.balanceView(ctx, member)
	if view == nil {
		return reply
	}
	out := fmt.Sprintf("END Cover: %s. Plan: %s at %s %s/day.", view.Status, view.CoverPlan, m.currency, view.DailyRate.String())
	if view.PaidThrough != nil {
		out += " Paid through " + view.PaidThrough.Format("02 Jan 2006") + "."
	}
	return out
}

func (m *Menu) pay(ctx context.Context, req Request, member *membership.Member, answers []string) string {
	if len(answers) == 0 {
		return fmt.Sprintf("CON Enter amount (%s)", m.currency)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(answers[0]))
	if err != nil || !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return "END Invalid amount."
	}
	view, reply := m.balanceView(ctx, member)
	if view == nil {
		return reply
	}
	days := billing.DaysFor(amount, view.DailyRate)
	if days == 0 {
		return fmt.Sprintf("END Minimum payment is %s %s.", m.currency, view.DailyRate.String())
	}

	if len(answers) == 1 {
		return fmt.Sprintf("CON Pay %s %s for %d days?\n1. Confirm\n2. Cancel", m.currency, amount.String(), days)
	}
	if strings.TrimSpace(answers[1]) != "1" {
		return "END Payment cancelled."
	}

	// Days are credited only when the provider confirms the request.
	p, err := m.billing.RequestPayment(ctx, member.ID, amount, membership.ChannelUSSD, req.SessionID)
	if err != nil {
		m.logger.ErrorContext(ctx, "ussd payment request failed", "member_id", member.ID, "session_id", req.SessionID, "error", err)
		return "END Payment could not be processed. Please try again."
	}
	m.logger.InfoContext(ctx, "ussd payment requested", "member_id", member.ID, "request_id", p.ID)
	return fmt.Sprintf("END Payment request of %s %s sent. Approve it on your phone to add %d days.", m.currency, amount.String(), days)
}
