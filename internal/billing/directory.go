// internal/billing/directory.go
package billing

import (
	"context"

	"github.com/google/uuid"

	"covernexus/internal/membership"
)

// LocalDirectory serves the engine from an in-process membership service,
// for single-process deployments and drills.
type LocalDirectory struct {
	Members membership.Service
}

func (d LocalDirectory) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	return d.Members.GetMember(ctx, id)
}

func (d LocalDirectory) ActiveFamily(ctx context.Context, id uuid.UUID) ([]*membership.FamilyMember, error) {
	return d.Members.ListFamily(ctx, id, true)
}

func (d LocalDirectory) UpdateStatus(ctx context.Context, id uuid.UUID, status membership.Status) error {
	return d.Members.UpdateStatus(ctx, id, status)
}
