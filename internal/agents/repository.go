// internal/agents/repository.go
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Repository persists agents.
type Repository interface {
	Create(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetByCode(ctx context.Context, code string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	// Update writes login bookkeeping and profile fields with a version check.
	Update(ctx context.Context, a *Agent) error
}

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*Agent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[uuid.UUID]*Agent)}
}

func (r *MemoryRepository) Create(_ context.Context, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.agents {
		if strings.EqualFold(existing.Code, a.Code) {
			return ErrDuplicateAgent
		}
	}
	if a.Version == 0 {
		a.Version = 1
	}
	cp := *a
	r.agents[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) GetByCode(_ context.Context, code string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if strings.EqualFold(a.Code, code) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (r *MemoryRepository) List(_ context.Context) ([]*Agent, error) {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.agents[a.ID]
	if !ok {
		return ErrAgentNotFound
	}
	if stored.Version != a.Version {
		return ErrConcurrentUpdate
	}
	a.Version++
	cp := *a
	r.agents[a.ID] = &cp
	return nil
}

const agentColumns = `id, code, name, phone_number, role, active, pin_hash, salt, failed_attempts, locked_until, created_at, version`

// PostgresRepository stores agents with sqlx.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *Agent) error {
	if a.Version == 0 {
		a.Version = 1
	}
	a.Code = strings.ToUpper(a.Code)
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (:id, :code, :name, :phone_number, :role, :active, :pin_hash, :salt, :failed_attempts, :locked_until, :created_at, :version)
	`, a)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (r *PostgresRepository) get(ctx context.Context, where string, arg any) (*Agent, error) {
	var a Agent
	err := r.db.GetContext(ctx, &a, `SELECT `+agentColumns+` FROM agents WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*Agent, error) {
	return r.get(ctx, "code = $1", strings.ToUpper(code))
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Agent, error) {
	var out []*Agent
	if err := r.db.SelectContext(ctx, &out, `SELECT `+agentColumns+` FROM agents ORDER BY code`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Update(ctx context.Context, a *Agent) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $1, phone_number = $2, role = $3, active = $4, pin_hash = $5, salt = $6,
		    failed_attempts = $7, locked_until = $8, version = version + 1
		WHERE id = $9 AND version = $10
	`, a.Name, a.PhoneNumber, a.Role, a.Active, a.PINHash, a.Salt, a.FailedAttempts, a.LockedUntil, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, a.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	a.Version++
	return nil
}
