// internal/membership/service.go
package membership

import (
	"context"
	"io"

	"github.com/google/uuid"

	"covernexus/internal/idcard"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, req RegistrationRequest) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	FindByPhone(ctx context.Context, phone string) (*Member, error)
	FindByPublicID(ctx context.Context, publicID string) (*Member, error)
	ListMembers(ctx context.Context, f ListFilter) ([]*Member, error)
	Summary(ctx context.Context) (*Summary, error)
	// AgentRoster lists the members agentCode registered, newest first.
	AgentRoster(ctx context.Context, agentCode string, limit, offset int) (*AgentRoster, error)
	ExportCSV(ctx context.Context, w io.Writer, f ListFilter) error
	RevealIDNumber(ctx context.Context, id uuid.UUID) (string, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateCoverPlan(ctx context.Context, id uuid.UUID, planID string) (*Member, error)

	AddFamilyMember(ctx context.Context, memberID uuid.UUID, req FamilyRequest) (*FamilyMember, error)
	ListFamily(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]*FamilyMember, error)
	RemoveFamilyMember(ctx context.Context, memberID, familyID uuid.UUID) error

	StartPhoneVerification(ctx context.Context, phone string) error
	ConfirmPhoneVerification(ctx context.Context, phone, code string) error
	// StartMemberLogin texts a one-time code to a registered member. Unknown
	// numbers get no code and no error.
	StartMemberLogin(ctx context.Context, phone string) error
	// ConfirmMemberLogin checks the code and returns the member it signs in.
	ConfirmMemberLogin(ctx context.Context, phone, code string) (*Member, error)

	ParseIDText(text string) idcard.Details
}
