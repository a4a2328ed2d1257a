// internal/agents/service.go
package agents

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the agents service.
type Service interface {
	RegisterAgent(ctx context.Context, req RegisterRequest) (*Agent, error)
	Authenticate(ctx context.Context, code, pin string) (*LoginResult, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// EnsureAdmin creates the bootstrap admin when no agent holds code yet.
	EnsureAdmin(ctx context.Context, code, pin string) error
}
