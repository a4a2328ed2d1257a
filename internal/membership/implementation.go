// internal/membership/implementation.go
package membership

import (
	"context"
	"crypto/subtle"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"covernexus/internal/cover"
	"covernexus/internal/idcard"
	"covernexus/internal/notify"
	"covernexus/internal/vault"
)

const (
	defaultCodeTTL     = 5 * time.Minute
	maxVerifyAttempts  = 5
	statusUpdateTries  = 3
	exportPageSize     = 500
	defaultListLimit   = 100
	maxListLimit       = 1000
	defaultRegisterRPS = 20
)

// PlanRegistry resolves cover plans.
type PlanRegistry interface {
	Lookup(id string) (cover.Plan, error)
}

// service implements the Service interface.
type service struct {
	repo        Repository
	plans       PlanRegistry
	vault       *vault.Vault
	notifier    notify.Notifier
	codes       CodeStore
	logger      *slog.Logger
	validate    *validator.Validate
	rateLimiter *rate.Limiter
	codeTTL     time.Duration
	currency    string
	location    *time.Location
	now         func() time.Time
}

// Option customises the service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithCodeTTL sets how long verification codes stay valid.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *service) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithRegistrationLimit caps registrations per second across the instance.
func WithRegistrationLimit(perSecond float64, burst int) Option {
	return func(s *service) { s.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLocation sets the timezone that bounds an agent's day.
func WithLocation(loc *time.Location) Option {
	return func(s *service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithCurrency sets the currency label used in SMS text.
func WithCurrency(currency string) Option {
	return func(s *service) { s.currency = currency }
}

// NewService creates a new membership service instance.
func NewService(repo Repository, plans PlanRegistry, v *vault.Vault, notifier notify.Notifier, codes CodeStore, logger *slog.Logger, opts ...Option) Service {
	s := &service{
		repo:        repo,
		plans:       plans,
		vault:       v,
		notifier:    notifier,
		codes:       codes,
		logger:      logger,
		rateLimiter: rate.NewLimiter(defaultRegisterRPS, defaultRegisterRPS),
		codeTTL:     defaultCodeTTL,
		currency:    "KES",
		location:    time.UTC,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validate = newValidator(s.now)
	return s
}

// RegisterMember creates a new member.
func (s *service) RegisterMember(ctx context.Context, req RegistrationRequest) (*Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	req.Name = strings.Join(strings.Fields(req.Name), " ")
	req.IDNumber = strings.TrimSpace(req.IDNumber)
	req.PhoneNumber = NormalizePhone(req.PhoneNumber)
	req.CoverPlan = strings.ToLower(strings.TrimSpace(req.CoverPlan))
	if req.Channel == "" {
		req.Channel = ChannelApp
		if req.AgentCode != "" {
			req.Channel = ChannelAgent
		}
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	plan, err := s.plans.Lookup(req.CoverPlan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	dob, err := parseDate(req.DateOfBirth)
	if err != nil {
		return nil, err
	}

	idHash := s.vault.Hash(req.IDNumber)
	exists, err := s.repo.ExistsByIDHash(ctx, idHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate: %w", err)
	}
	if exists {
		return nil, ErrDuplicateMember
	}
	encrypted, err := s.vault.Encrypt(req.IDNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt id number: %w", err)
	}

	id := uuid.New()
	now := s.now().UTC()
	member := &Member{
		ID:                id,
		PublicID:          publicID(id),
		Name:              req.Name,
		PhoneNumber:       req.PhoneNumber,
		IDNumberEncrypted: encrypted,
		IDNumberHash:      idHash,
		IDNumberMasked:    vault.MaskIDNumber(req.IDNumber, false),
		DateOfBirth:       dob,
		Gender:            req.Gender,
		CoverPlan:         plan.ID,
		Status:            StatusActive,
		AgentCode:         req.AgentCode,
		Channel:           req.Channel,
		RegisteredAt:      now,
		UpdatedAt:         now,
		Version:           1,
	}
	if err := s.repo.CreateMember(ctx, member); err != nil {
		if errors.Is(err, ErrDuplicateMember) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store member: %w", err)
	}

	s.logger.InfoContext(ctx, "member registered",
		"member_id", member.ID, "public_id", member.PublicID, "plan", member.CoverPlan, "channel", member.Channel)

	welcome := notify.Message{
		To:       member.PhoneNumber,
		MemberID: member.ID,
		Kind:     notify.KindWelcome,
		Body: fmt.Sprintf("Welcome %s! Your member ID is %s. %s costs %s %s per day. Pay now to activate your cover.",
			member.Name, member.PublicID, plan.Name, s.currency, plan.DailyRate.String()),
	}
	if err := s.notifier.Send(ctx, welcome); err != nil {
		s.logger.WarnContext(ctx, "welcome sms not sent", "member_id", member.ID, "error", err)
	}
	return member, nil
}

// publicID is the short id printed on SMS and read back over USSD.
func publicID(id uuid.UUID) string {
	return "M" + strings.ToUpper(hex.EncodeToString(id[:4]))
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.repo.GetMember(ctx, id)
}

func (s *service) FindByPhone(ctx context.Context, phone string) (*Member, error) {
	return s.repo.FindByPhone(ctx, NormalizePhone(phone))
}

func (s *service) FindByPublicID(ctx context.Context, publicID string) (*Member, error) {
	return s.repo.FindByPublicID(ctx, strings.ToUpper(strings.TrimSpace(publicID)))
}

func (s *service) ListMembers(ctx context.Context, f ListFilter) ([]*Member, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return s.repo.ListMembers(ctx, f)
}

func (s *service) Summary(ctx context.Context) (*Summary, error) {
	return s.repo.Summary(ctx)
}

func (s *service) AgentRoster(ctx context.Context, agentCode string, limit, offset int) (*AgentRoster, error) {
	agentCode = strings.TrimSpace(agentCode)
	if agentCode == "" {
		return nil, fmt.Errorf("%w: agent code is required", ErrInvalidInput)
	}
	members, err := s.ListMembers(ctx, ListFilter{AgentCode: agentCode, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountMembers(ctx, ListFilter{AgentCode: agentCode})
	if err != nil {
		return nil, err
	}
	local := s.now().In(s.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	today, err := s.repo.CountMembers(ctx, ListFilter{AgentCode: agentCode, RegisteredFrom: &midnight})
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []*Member{}
	}
	return &AgentRoster{AgentCode: agentCode, Total: total, Today: today, Members: members}, nil
}

var exportHeader = []string{
	"public_id", "name", "phone_number", "id_number", "date_of_birth", "gender",
	"cover_plan", "status", "phone_verified", "agent_code", "channel", "registered_at",
}

// ExportCSV streams every member matching f, page by page.
func (s *service) ExportCSV(ctx context.Context, w io.Writer, f ListFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	f.Limit = exportPageSize
	f.Offset = 0
	for {
		page, err := s.repo.ListMembers(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		for _, m := range page {
			dob := ""
			if m.DateOfBirth != nil {
				dob = m.DateOfBirth.Format(dateLayout)
			}
			if err := cw.Write([]string{
				m.PublicID, m.Name, m.PhoneNumber, m.IDNumberMasked, dob, m.Gender,
				m.CoverPlan, string(m.Status), strconv.FormatBool(m.PhoneVerified), m.AgentCode, m.Channel,
				m.RegisteredAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
		if len(page) < exportPageSize {
			break
		}
		f.Offset += len(page)
	}
	cw.Flush()
	return cw.Error()
}

// RevealIDNumber decrypts the stored ID number for admins.
func (s *service) RevealIDNumber(ctx context.Context, id uuid.UUID) (string, error) {
	m, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return "", err
	}
	plain, err := s.vault.Decrypt(m.IDNumberEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt id number: %w", err)
	}
	return plain, nil
}

// UpdateStatus sets the derived cover status. Concurrent writers are retried
// a few times since status is always a fresh derivation.
func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	var err error
	for i := 0; i < statusUpdateTries; i++ {
		var m *Member
		m, err = s.repo.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if m.Status == status {
			return nil
		}
		from := m.Status
		m.Status = status
		err = s.repo.UpdateMember(ctx, m)
		if err == nil {
			s.logger.InfoContext(ctx, "member status changed", "member_id", id, "from", from, "to", status)
			return nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return fmt.Errorf("failed to update status: %w", err)
		}
	}
	return err
}

// UpdateCoverPlan moves a member to another plan. Future balance arithmetic
// uses the new daily rate.
func (s *service) UpdateCoverPlan(ctx context.Context, id uuid.UUID, planID string) (*Member, error) {
	plan, err := s.plans.Lookup(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	m, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.CoverPlan == plan.ID {
		return m, nil
	}
	m.CoverPlan = plan.ID
	if err := s.repo.UpdateMember(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *service) AddFamilyMember(ctx context.Context, memberID uuid.UUID, req FamilyRequest) (*FamilyMember, error) {
	req.Name = strings.Join(strings.Fields(req.Name), " ")
	req.Relationship = strings.ToLower(strings.TrimSpace(req.Relationship))
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	dob, err := parseDate(req.DateOfBirth)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	encrypted, err := s.vault.Encrypt(req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt name: %w", err)
	}

	f := &FamilyMember{
		ID:            uuid.New(),
		MemberID:      memberID,
		Relationship:  req.Relationship,
		NameEncrypted: encrypted,
		DateOfBirth:   dob,
		Gender:        req.Gender,
		Active:        true,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.AddFamilyMember(ctx, f); err != nil {
		return nil, err
	}
	f.Name = req.Name
	return f, nil
}

func (s *service) ListFamily(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]*FamilyMember, error) {
	all, err := s.repo.ListFamily(ctx, memberID)
	if err != nil {
		return nil, err
	}
	out := make([]*FamilyMember, 0, len(all))
	for _, f := range all {
		if activeOnly && !f.Active {
			continue
		}
		name, err := s.vault.Decrypt(f.NameEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt family member %s: %w", f.ID, err)
		}
		f.Name = name
		out = append(out, f)
	}
	return out, nil
}

func (s *service) RemoveFamilyMember(ctx context.Context, memberID, familyID uuid.UUID) error {
	return s.repo.DeactivateFamilyMember(ctx, memberID, familyID)
}

// StartPhoneVerification sends a fresh 6-digit code, replacing any pending one.
func (s *service) StartPhoneVerification(ctx context.Context, phone string) error {
	phone = NormalizePhone(phone)
	if err := s.validate.Var(phone, "required,e164"); err != nil {
		return fmt.Errorf("%w: phone number must be E.164", ErrInvalidInput)
	}
	code, err := newCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	if err := s.codes.Save(ctx, phone, code, s.codeTTL); err != nil {
		return err
	}
	msg := notify.Message{
		To:   phone,
		Kind: notify.KindVerification,
		Body: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.codeTTL.Minutes())),
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		return err
	}
	return nil
}

// ConfirmPhoneVerification checks code and, when a member owns the phone,
// marks it verified. A phone may be verified before registration.
func (s *service) ConfirmPhoneVerification(ctx context.Context, phone, code string) error {
	phone = NormalizePhone(phone)
	pending, err := s.codes.Get(ctx, phone)
	if err != nil {
		return err
	}
	if pending.Attempts >= maxVerifyAttempts {
		_ = s.codes.Delete(ctx, phone)
		return ErrTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(pending.Code), []byte(strings.TrimSpace(code))) != 1 {
		n, err := s.codes.IncrementAttempts(ctx, phone)
		if err != nil {
			return err
		}
		if n >= maxVerifyAttempts {
			_ = s.codes.Delete(ctx, phone)
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}
	if err := s.codes.Delete(ctx, phone); err != nil {
		return err
	}

	m, err := s.repo.FindByPhone(ctx, phone)
	if errors.Is(err, ErrMemberNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.PhoneVerified {
		return nil
	}
	m.PhoneVerified = true
	return s.repo.UpdateMember(ctx, m)
}

func (s *service) StartMemberLogin(ctx context.Context, phone string) error {
	phone = NormalizePhone(phone)
	if err := s.validate.Var(phone, "required,e164"); err != nil {
		return fmt.Errorf("%w: phone number must be E.164", ErrInvalidInput)
	}
	_, err := s.repo.FindByPhone(ctx, phone)
	if errors.Is(err, ErrMemberNotFound) {
		s.logger.InfoContext(ctx, "member login for unknown phone")
		return nil
	}
	if err != nil {
		return err
	}
	return s.StartPhoneVerification(ctx, phone)
}

func (s *service) ConfirmMemberLogin(ctx context.Context, phone, code string) (*Member, error) {
	if err := s.ConfirmPhoneVerification(ctx, phone, code); err != nil {
		return nil, err
	}
	m, err := s.repo.FindByPhone(ctx, NormalizePhone(phone))
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *service) ParseIDText(text string) idcard.Details {
	return idcard.Parse(text)
}
