// internal/cover/plans.go
package cover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownPlan = errors.New("unknown cover plan")

// Plan is a named cover tier with a fixed daily premium.
type Plan struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DailyRate decimal.Decimal `json:"daily_rate"`
	Features  []string        `json:"features"`
}

// Registry is an immutable lookup of cover plans by id.
type Registry struct {
	plans map[string]Plan
	order []string
}

// DefaultPlans returns the five plans offered at launch.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "basic", Name: "Basic Cover", DailyRate: decimal.NewFromInt(150), Features: []string{"Inpatient", "Emergency"}},
		{ID: "standard", Name: "Standard Cover", DailyRate: decimal.NewFromInt(200), Features: []string{"Inpatient", "Outpatient", "Maternity"}},
		{ID: "premium", Name: "Premium Cover", DailyRate: decimal.NewFromInt(300), Features: []string{"Full coverage", "Dental", "Optical"}},
		{ID: "family", Name: "Family Cover", DailyRate: decimal.NewFromInt(500), Features: []string{"4 members", "Full coverage"}},
		{ID: "corporate", Name: "Corporate Cover", DailyRate: decimal.NewFromInt(400), Features: []string{"Group", "Custom benefits"}},
	}
}

// DefaultRegistry builds a registry over DefaultPlans.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPlans()...)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistry validates and indexes the given plans.
func NewRegistry(plans ...Plan) (*Registry, error) {
	r := &Registry{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		id := normalize(p.ID)
		if id == "" {
			return nil, fmt.Errorf("plan %q: empty id", p.Name)
		}
		if !p.DailyRate.IsPositive() {
			return nil, fmt.Errorf("plan %q: daily rate must be positive", id)
		}
		if _, dup := r.plans[id]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", id)
		}
		p.ID = id
		r.plans[id] = p
		r.order = append(r.order, id)
	}
	return r, nil
}

// Lookup returns the plan with the given id.
func (r *Registry) Lookup(id string) (Plan, error) {
	p, ok := r.plans[normalize(id)]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// DailyRate returns the daily premium of a plan.
func (r *Registry) DailyRate(id string) (decimal.Decimal, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	return p.DailyRate, nil
}

// Plans returns all plans in registration order.
func (r *Registry) Plans() []Plan {
	out := make([]Plan, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plans[id])
	}
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
