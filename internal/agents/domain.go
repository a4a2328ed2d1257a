// internal/agents/domain.go
package agents

import (
	"time"

	"github.com/google/uuid"

	"covernexus/internal/httpx"
)

// Roles.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
	// RoleMember tokens are issued to members, never stored on an agent.
	RoleMember = "member"
)

var (
	ErrAgentNotFound      = httpx.Kind(httpx.ErrNotFound, "agent not found")
	ErrDuplicateAgent     = httpx.Kind(httpx.ErrConflict, "agent code already registered")
	ErrInvalidCredentials = httpx.Kind(httpx.ErrUnauthorized, "invalid agent code or PIN")
	ErrAccountLocked      = httpx.Kind(httpx.ErrForbidden, "account locked, try again later")
	ErrAccountDisabled    = httpx.Kind(httpx.ErrForbidden, "account disabled")
	ErrRateLimited        = httpx.Kind(httpx.ErrRateLimited, "too many login attempts")
	ErrInvalidInput       = httpx.Kind(httpx.ErrBadRequest, "invalid input")
	ErrInvalidToken       = httpx.Kind(httpx.ErrUnauthorized, "invalid or expired token")
	ErrForbidden          = httpx.Kind(httpx.ErrForbidden, "insufficient role")
	ErrConcurrentUpdate   = httpx.Kind(httpx.ErrConflict, "agent was modified concurrently")
)

// Agent is a field agent or an administrator.
type Agent struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Code           string     `json:"code" db:"code"`
	Name           string     `json:"name" db:"name"`
	PhoneNumber    string     `json:"phone_number" db:"phone_number"`
	Role           string     `json:"role" db:"role"`
	Active         bool       `json:"active" db:"active"`
	PINHash        string     `json:"-" db:"pin_hash"`
	Salt           string     `json:"-" db:"salt"`
	FailedAttempts int        `json:"-" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"-" db:"locked_until"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	Version        int        `json:"-" db:"version"`
}

// RegisterRequest creates an agent account.
type RegisterRequest struct {
	Code        string `json:"code" validate:"required,alphanum,min=3,max=32"`
	Name        string `json:"name" validate:"required,min=2,max=120"`
	PhoneNumber string `json:"phone_number" validate:"omitempty,e164"`
	Role        string `json:"role" validate:"omitempty,oneof=agent admin"`
	PIN         string `json:"pin" validate:"required,numeric,min=4,max=8"`
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     *Agent    `json:"agent"`
}
