// internal/membership/repository.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists members and their families.
type Repository interface {
	// CreateMember fails with ErrDuplicateMember when the ID hash, phone or
	// public id is already taken.
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	FindByPhone(ctx context.Context, phone string) (*Member, error)
	FindByPublicID(ctx context.Context, publicID string) (*Member, error)
	ExistsByIDHash(ctx context.Context, hash string) (bool, error)
	ListMembers(ctx context.Context, f ListFilter) ([]*Member, error)
	// CountMembers ignores f.Limit and f.Offset.
	CountMembers(ctx context.Context, f ListFilter) (int, error)
	Summary(ctx context.Context) (*Summary, error)
	// UpdateMember writes m if its Version still matches the stored one and
	// bumps m.Version; otherwise ErrConcurrentUpdate.
	UpdateMember(ctx context.Context, m *Member) error

	AddFamilyMember(ctx context.Context, f *FamilyMember) error
	ListFamily(ctx context.Context, memberID uuid.UUID) ([]*FamilyMember, error)
	DeactivateFamilyMember(ctx context.Context, memberID, familyID uuid.UUID) error
}
