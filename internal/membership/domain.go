// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"

	"covernexus/internal/httpx"
)

// Status is the cover state derived from a member's day balance.
type Status string

const (
	StatusActive    Status = "Active"
	StatusInactive  Status = "Inactive"
	StatusSuspended Status = "Suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Registration channels.
const (
	ChannelApp   = "app"
	ChannelAgent = "agent"
	ChannelUSSD  = "ussd"
)

// Family relationships.
const (
	RelationshipSpouse = "spouse"
	RelationshipChild  = "child"
)

var (
	ErrMemberNotFound   = httpx.Kind(httpx.ErrNotFound, "member not found")
	ErrFamilyNotFound   = httpx.Kind(httpx.ErrNotFound, "family member not found")
	ErrDuplicateMember  = httpx.Kind(httpx.ErrConflict, "a member with this ID number or phone already exists")
	ErrSpouseExists     = httpx.Kind(httpx.ErrConflict, "member already has an active spouse")
	ErrConcurrentUpdate = httpx.Kind(httpx.ErrConflict, "member was modified concurrently")
	ErrInvalidInput     = httpx.Kind(httpx.ErrBadRequest, "invalid input")
	ErrRateLimited      = httpx.Kind(httpx.ErrRateLimited, "too many registrations, try again shortly")
	ErrCodeNotFound     = httpx.Kind(httpx.ErrNotFound, "no pending verification for this phone")
	ErrInvalidCode      = httpx.Kind(httpx.ErrBadRequest, "verification code does not match")
	ErrTooManyAttempts  = httpx.Kind(httpx.ErrRateLimited, "too many verification attempts")
)

// Member is an insured person. Status is written only through UpdateStatus,
// which the billing service calls after recomputing the balance.
type Member struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	PublicID          string     `json:"public_id" db:"public_id"`
	Name              string     `json:"name" db:"name"`
	PhoneNumber       string     `json:"phone_number" db:"phone_number"`
	IDNumberEncrypted string     `json:"-" db:"id_number_encrypted"`
	IDNumberHash      string     `json:"-" db:"id_number_hash"`
	IDNumberMasked    string     `json:"id_number" db:"id_number_masked"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Gender            string     `json:"gender,omitempty" db:"gender"`
	CoverPlan         string     `json:"cover_plan" db:"cover_plan"`
	Status            Status     `json:"status" db:"status"`
	PhoneVerified     bool       `json:"phone_verified" db:"phone_verified"`
	AgentCode         string     `json:"agent_code,omitempty" db:"agent_code"`
	Channel           string     `json:"channel" db:"channel"`
	RegisteredAt      time.Time  `json:"registered_at" db:"registered_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	Version           int        `json:"version" db:"version"`
}

// FamilyMember is a dependant covered under a member's plan. Name is held
// encrypted at rest and decrypted by the service on read.
type FamilyMember struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	MemberID      uuid.UUID  `json:"member_id" db:"member_id"`
	Relationship  string     `json:"relationship" db:"relationship"`
	Name          string     `json:"name" db:"-"`
	NameEncrypted string     `json:"-" db:"name_encrypted"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Gender        string     `json:"gender,omitempty" db:"gender"`
	Active        bool       `json:"active" db:"active"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// RegistrationRequest is the onboarding form, whichever channel it came from.
type RegistrationRequest struct {
	Name        string `json:"name" validate:"required,personname"`
	IDNumber    string `json:"id_number" validate:"required,kenyanid"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,adult"`
	Gender      string `json:"gender" validate:"omitempty,oneof=Male Female Other"`
	CoverPlan   string `json:"cover_plan" validate:"required"`
	AgentCode   string `json:"agent_code" validate:"omitempty,max=32"`
	Channel     string `json:"channel" validate:"omitempty,oneof=app agent ussd"`
}

// FamilyRequest adds a dependant.
type FamilyRequest struct {
	Relationship string `json:"relationship" validate:"required,oneof=spouse child"`
	Name         string `json:"name" validate:"required,personname"`
	DateOfBirth  string `json:"date_of_birth" validate:"omitempty,pastdate"`
	Gender       string `json:"gender" validate:"omitempty,oneof=Male Female Other"`
}

// ListFilter narrows admin listings. Zero values match everything.
type ListFilter struct {
	Status         Status
	CoverPlan      string
	AgentCode      string
	Channel        string
	Search         string
	RegisteredFrom *time.Time
	RegisteredTo   *time.Time
	Limit          int
	Offset         int
}

// AgentRoster is an agent's own registrations with headline counts. Today
// starts at local midnight.
type AgentRoster struct {
	AgentCode string    `json:"agent_code"`
	Total     int       `json:"total"`
	Today     int       `json:"today"`
	Members   []*Member `json:"members"`
}

// Summary is the admin dashboard headline.
type Summary struct {
	Total    int            `json:"total"`
	Verified int            `json:"verified"`
	ByStatus map[Status]int `json:"by_status"`
	ByPlan   map[string]int `json:"by_plan"`
}
