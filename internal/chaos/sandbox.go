// internal/chaos/sandbox.go
package chaos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covernexus/internal/billing"
	"covernexus/internal/cover"
	"covernexus/internal/lock"
	"covernexus/internal/membership"
	"covernexus/internal/notify"
	"covernexus/internal/vault"
)

const day = 24 * time.Hour

// SandboxConfig sizes an in-process drill.
type SandboxConfig struct {
	Members         int
	Seed            uint64
	GracePeriodDays int
	// RunBudget bounds each reminder batch; zero means unbounded.
	RunBudget time.Duration
	Start     time.Time
}

// Sandbox is a membership service and balance engine wired in memory, with
// fault points on the SMS gateway and the engine's membership lookups. Time is
// simulated and only moves on Advance.
type Sandbox struct {
	Billing  billing.Service
	Balances *billing.MemoryRepository
	SMS      *notify.Recorder
	SMSFault *Fault
	DirFault *Fault
	Members  []uuid.UUID

	budget time.Duration
	paid   decimal.Decimal

	mu         sync.Mutex
	now        time.Time
	lastFailed int
	lastErr    error
}

// NewSandbox registers cfg.Members members, pays one day for each and moves
// the clock three days on, so every member starts the drill in arrears.
func NewSandbox(ctx context.Context, logger *slog.Logger, cfg SandboxConfig) (*Sandbox, error) {
	if cfg.Members <= 0 {
		return nil, errors.New("sandbox needs at least one member")
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(time.Hour)
	}
	v, err := vault.New(bytes.Repeat([]byte{byte(cfg.Seed) | 1}, 32))
	if err != nil {
		return nil, err
	}

	sb := &Sandbox{
		Balances: billing.NewMemoryRepository(),
		SMS:      &notify.Recorder{},
		SMSFault: NewFault(cfg.Seed),
		DirFault: NewFault(cfg.Seed + 1),
		budget:   cfg.RunBudget,
		now:      cfg.Start,
	}
	plans := cover.DefaultRegistry()
	members := membership.NewService(membership.NewMemoryRepository(), plans, v, sb.SMS,
		membership.NewMemoryCodeStore(), logger,
		membership.WithClock(sb.clock), membership.WithRegistrationLimit(1000, 1000))
	sb.Billing = billing.NewService(sb.Balances,
		WrapDirectory(billing.LocalDirectory{Members: members}, sb.DirFault),
		plans, WrapNotifier(sb.SMS, sb.SMSFault), lock.NewKeyedMutex(), logger,
		billing.Config{GracePeriodDays: cfg.GracePeriodDays, ReminderInterval: day, ReminderSlack: time.Hour},
		billing.WithClock(sb.clock))

	for i := 0; i < cfg.Members; i++ {
		m, err := members.RegisterMember(ctx, membership.RegistrationRequest{
			Name:        fmt.Sprintf("Drill Member %c%c", 'A'+rune(i/26%26), 'A'+rune(i%26)),
			IDNumber:    fmt.Sprintf("%08d", 30000000+i),
			PhoneNumber: fmt.Sprintf("+2547%08d", i+1),
			DateOfBirth: "1990-01-01",
			CoverPlan:   "standard",
			Channel:     membership.ChannelApp,
		})
		if err != nil {
			return nil, fmt.Errorf("register drill member %d: %w", i, err)
		}
		amount := decimal.NewFromInt(200)
		if _, err := sb.Billing.AddPayment(ctx, m.ID, amount, billing.PaymentOptions{Reference: "DRILL-" + m.PublicID}); err != nil {
			return nil, fmt.Errorf("seed payment for %s: %w", m.ID, err)
		}
		sb.paid = sb.paid.Add(amount)
		sb.Members = append(sb.Members, m.ID)
	}
	sb.Advance(3 * day)
	return sb, nil
}

func (sb *Sandbox) clock() time.Time {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.now
}

// Advance moves the simulated clock.
func (sb *Sandbox) Advance(d time.Duration) {
	sb.mu.Lock()
	sb.now = sb.now.Add(d)
	sb.mu.Unlock()
}

// RunReminders runs one reminder batch within the configured budget.
func (sb *Sandbox) RunReminders(ctx context.Context) error {
	if sb.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sb.budget)
		defer cancel()
	}
	run, err := sb.Billing.ProcessDailyReminders(ctx)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.lastErr = err
	sb.lastFailed = 0
	if run != nil {
		sb.lastFailed = run.Failed
	}
	return err
}

// NextDay advances one day and runs the daily batch.
func (sb *Sandbox) NextDay(ctx context.Context) error {
	sb.Advance(day)
	return sb.RunReminders(ctx)
}

// RemindersSent counts delivered reminders so far.
func (sb *Sandbox) RemindersSent() int {
	return len(sb.reminders())
}

func (sb *Sandbox) reminders() []notify.Message {
	var out []notify.Message
	for _, m := range sb.SMS.Sent() {
		if m.Kind == notify.KindReminder {
			out = append(out, m)
		}
	}
	return out
}

// Coverage is the share of members reminded at least once since the mark-th
// reminder.
func (sb *Sandbox) Coverage(mark int) float64 {
	sent := sb.reminders()
	if mark > len(sent) {
		mark = len(sent)
	}
	seen := make(map[uuid.UUID]bool)
	for _, m := range sent[mark:] {
		seen[m.MemberID] = true
	}
	return float64(len(seen)) / float64(len(sb.Members))
}

// LastBatchAborted is 1 when the latest batch stopped early.
func (sb *Sandbox) LastBatchAborted() float64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.lastErr != nil {
		return 1
	}
	return 0
}

func (sb *Sandbox) LastBatchFailed() float64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return float64(sb.lastFailed)
}

// LedgerDrift is the difference between the amounts paid in and the stored
// totals. Any value but zero means money was lost or invented.
func (sb *Sandbox) LedgerDrift(ctx context.Context) (float64, error) {
	total := decimal.Zero
	for _, id := range sb.Members {
		b, err := sb.Balances.GetBalance(ctx, id)
		if err != nil {
			return 0, err
		}
		total = total.Add(b.TotalPaid)
	}
	return total.Sub(sb.paid).Abs().InexactFloat64(), nil
}
