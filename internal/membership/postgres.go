// internal/membership/postgres.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const memberColumns = `id, public_id, name, phone_number, id_number_encrypted, id_number_hash, id_number_masked,
	date_of_birth, gender, cover_plan, status, phone_verified, agent_code, channel, registered_at, updated_at, version`

const familyColumns = `id, member_id, relationship, name_encrypted, date_of_birth, gender, active, created_at`

// PostgresRepository is the members read/write model.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

func (r *PostgresRepository) CreateMember(ctx context.Context, m *Member) error {
	if m.Version == 0 {
		m.Version = 1
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (:id, :public_id, :name, :phone_number, :id_number_encrypted, :id_number_hash, :id_number_masked,
			:date_of_birth, :gender, :cover_plan, :status, :phone_verified, :agent_code, :channel, :registered_at, :updated_at, :version)
	`, m)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return ErrDuplicateMember
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*Member, error) {
	var m Member
	err := r.db.GetContext(ctx, &m, `SELECT `+memberColumns+` FROM members WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (*Member, error) {
	return r.getOne(ctx, "phone_number = $1", phone)
}

func (r *PostgresRepository) FindByPublicID(ctx context.Context, publicID string) (*Member, error) {
	return r.getOne(ctx, "public_id = $1", strings.ToUpper(publicID))
}

func (r *PostgresRepository) ExistsByIDHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM members WHERE id_number_hash = $1)`, hash)
	if err != nil {
		return false, fmt.Errorf("query id hash: %w", err)
	}
	return exists, nil
}

func buildFilter(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CoverPlan != "" {
		add("cover_plan = $%d", strings.ToLower(f.CoverPlan))
	}
	if f.AgentCode != "" {
		add("agent_code = $%d", f.AgentCode)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%", f.Search)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR phone_number LIKE $%d OR public_id = UPPER($%d))", n-1, n-1, n))
	}
	if f.RegisteredFrom != nil {
		add("registered_at >= $%d", *f.RegisteredFrom)
	}
	if f.RegisteredTo != nil {
		add("registered_at < $%d", *f.RegisteredTo)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) ListMembers(ctx context.Context, f ListFilter) ([]*Member, error) {
	where, args := buildFilter(f)
	query := `SELECT ` + memberColumns + ` FROM members` + where + ` ORDER BY registered_at DESC, public_id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var members []*Member
	if err := r.db.SelectContext(ctx, &members, query, args...); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (r *PostgresRepository) CountMembers(ctx context.Context, f ListFilter) (int, error) {
	where, args := buildFilter(f)
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM members`+where, args...); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Summary(ctx context.Context) (*Summary, error) {
	var rows []struct {
		Status   Status `db:"status"`
		Plan     string `db:"cover_plan"`
		Count    int    `db:"count"`
		Verified int    `db:"verified"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, cover_plan, COUNT(*) AS count, COUNT(*) FILTER (WHERE phone_verified) AS verified
		FROM members
		GROUP BY status, cover_plan
	`)
	if err != nil {
		return nil, fmt.Errorf("summarise members: %w", err)
	}
	s := &Summary{ByStatus: map[Status]int{}, ByPlan: map[string]int{}}
	for _, row := range rows {
		s.Total += row.Count
		s.Verified += row.Verified
		s.ByStatus[row.Status] += row.Count
		s.ByPlan[row.Plan] += row.Count
	}
	return s, nil
}

func (r *PostgresRepository) UpdateMember(ctx context.Context, m *Member) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE members
		SET name = $1, phone_number = $2, cover_plan = $3, status = $4, phone_verified = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $6 AND version = $7
	`, m.Name, m.PhoneNumber, m.CoverPlan, m.Status, m.PhoneVerified, m.ID, m.Version)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return ErrDuplicateMember
		}
		return fmt.Errorf("update member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	if n == 0 {
		if _, err := r.GetMember(ctx, m.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	m.Version++
	return nil
}

func (r *PostgresRepository) AddFamilyMember(ctx context.Context, f *FamilyMember) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO family_members (`+familyColumns+`)
		VALUES (:id, :member_id, :relationship, :name_encrypted, :date_of_birth, :gender, :active, :created_at)
	`, f)
	if err != nil {
		if c, ok := isUniqueViolation(err); ok && c == "family_one_active_spouse" {
			return ErrSpouseExists
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrMemberNotFound
		}
		return fmt.Errorf("insert family member: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListFamily(ctx context.Context, memberID uuid.UUID) ([]*FamilyMember, error) {
	var out []*FamilyMember
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+familyColumns+` FROM family_members WHERE member_id = $1 ORDER BY created_at ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list family: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeactivateFamilyMember(ctx context.Context, memberID, familyID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE family_members SET active = FALSE WHERE id = $1 AND member_id = $2 AND active
	`, familyID, memberID)
	if err != nil {
		return fmt.Errorf("deactivate family member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFamilyNotFound
	}
	return nil
}
