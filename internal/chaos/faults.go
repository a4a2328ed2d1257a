// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"covernexus/internal/billing"
	"covernexus/internal/membership"
	"covernexus/internal/notify"
)

// ErrInjected is returned by a dependency whose fault fired.
var ErrInjected = errors.New("chaos: injected fault")

// Fault decides, per call, whether a wrapped dependency misbehaves. Rate is
// the blast radius: the share of calls that fail.
type Fault struct {
	mu       sync.Mutex
	rng      *rand.Rand
	rate     float64
	latency  time.Duration
	injected int
}

func NewFault(seed uint64) *Fault {
	return &Fault{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Inject makes rate of later calls fail and delays every call by latency.
func (f *Fault) Inject(rate float64, latency time.Duration) {
	f.mu.Lock()
	f.rate = min(max(rate, 0), 1)
	f.latency = latency
	f.mu.Unlock()
}

// Clear removes the fault.
func (f *Fault) Clear() { f.Inject(0, 0) }

// Injected counts the calls that failed because of the fault.
func (f *Fault) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected
}

func (f *Fault) strike(ctx context.Context) error {
	f.mu.Lock()
	latency := f.latency
	fire := f.rate > 0 && f.rng.Float64() < f.rate
	if fire {
		f.injected++
	}
	f.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fire {
		return ErrInjected
	}
	return nil
}

// Notifier is an SMS gateway that drops messages while its fault fires.
type Notifier struct {
	next  notify.Notifier
	fault *Fault
}

func WrapNotifier(next notify.Notifier, fault *Fault) *Notifier {
	return &Notifier{next: next, fault: fault}
}

func (n *Notifier) Send(ctx context.Context, msg notify.Message) error {
	if err := n.fault.strike(ctx); err != nil {
		return fmt.Errorf("%w: %w", notify.ErrDeliveryFailed, err)
	}
	return n.next.Send(ctx, msg)
}

// Directory is a membership service that times out or errors while its fault
// fires.
type Directory struct {
	next  billing.MemberDirectory
	fault *Fault
}

func WrapDirectory(next billing.MemberDirectory, fault *Fault) *Directory {
	return &Directory{next: next, fault: fault}
}

func (d *Directory) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	if err := d.fault.strike(ctx); err != nil {
		return nil, err
	}
	return d.next.GetMember(ctx, id)
}

func (d *Directory) ActiveFamily(ctx context.Context, id uuid.UUID) ([]*membership.FamilyMember, error) {
	if err := d.fault.strike(ctx); err != nil {
		return nil, err
	}
	return d.next.ActiveFamily(ctx, id)
}

func (d *Directory) UpdateStatus(ctx context.Context, id uuid.UUID, status membership.Status) error {
	if err := d.fault.strike(ctx); err != nil {
		return err
	}
	return d.next.UpdateStatus(ctx, id, status)
}
