// internal/agents/implementation.go
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

// service implements the Service interface.
type service struct {
	repo     Repository
	tokens   *TokenManager
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a new agents service instance.
func NewService(repo Repository, tokens *TokenManager, logger *slog.Logger) Service {
	return newService(repo, tokens, logger, time.Now)
}

func newService(repo Repository, tokens *TokenManager, logger *slog.Logger, now func() time.Time) *service {
	return &service{
		repo:     repo,
		tokens:   tokens,
		logger:   logger,
		validate: validator.New(),
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the per-code login limiter: one attempt every 2s, burst 5.
func (s *service) limiter(code string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[code]
	if !ok {
		l = rate.NewLimiter(rate.Every(2*time.Second), 5)
		s.limiters[code] = l
	}
	return l
}

func (s *service) RegisterAgent(ctx context.Context, req RegisterRequest) (*Agent, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Role == "" {
		req.Role = RoleAgent
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, salt, err := hashPIN(req.PIN)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}
	a := &Agent{
		ID:          uuid.New(),
		Code:        req.Code,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		Role:        req.Role,
		Active:      true,
		PINHash:     hash,
		Salt:        salt,
		CreatedAt:   s.now().UTC(),
		Version:     1,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "agent registered", "agent_code", a.Code, "role", a.Role)
	return a, nil
}

// Authenticate verifies a PIN and issues a token. Five consecutive failures
// lock the account for fifteen minutes.
func (s *service) Authenticate(ctx context.Context, code, pin string) (*LoginResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !s.limiter(code).AllowN(s.now(), 1) {
		return nil, ErrRateLimited
	}

	a, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !a.Active {
		return nil, ErrAccountDisabled
	}
	now := s.now()
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		return nil, ErrAccountLocked
	}

	ok, err := verifyPIN(pin, a.Salt, a.PINHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		a.FailedAttempts++
		if a.FailedAttempts >= maxFailedLogins {
			until := now.Add(lockoutDuration)
			a.LockedUntil = &until
			a.FailedAttempts = 0
			s.logger.WarnContext(ctx, "agent locked out", "agent_code", a.Code, "until", until)
		}
		if err := s.repo.Update(ctx, a); err != nil {
			s.logger.ErrorContext(ctx, "failed to record login failure", "agent_code", a.Code, "error", err)
		}
		if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredentials
	}

	if a.FailedAttempts != 0 || a.LockedUntil != nil {
		a.FailedAttempts = 0
		a.LockedUntil = nil
		if err := s.repo.Update(ctx, a); err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	token, exp, err := s.tokens.Issue(a)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, Agent: a}, nil
}

func (s *service) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.repo.List(ctx)
}

func (s *service) EnsureAdmin(ctx context.Context, code, pin string) error {
	if code == "" || pin == "" {
		return nil
	}
	_, err := s.repo.GetByCode(ctx, code)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrAgentNotFound) {
		return err
	}
	_, err = s.RegisterAgent(ctx, RegisterRequest{Code: code, Name: "Administrator", Role: RoleAdmin, PIN: pin})
	if errors.Is(err, ErrDuplicateAgent) {
		return nil
	}
	return err
}
