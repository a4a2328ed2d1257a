package membership

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresListMembersBuildsFilter(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM members WHERE status = \$1 AND cover_plan = \$2 ORDER BY registered_at DESC, public_id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs("Active", "basic", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "public_id", "name", "status", "version"}).
			AddRow(id.String(), "M0A1B2C3D", "Mary Wanjiku", "Active", 3))

	members, err := repo.ListMembers(context.Background(), ListFilter{Status: StatusActive, CoverPlan: "Basic", Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, id, members[0].ID)
	assert.Equal(t, StatusActive, members[0].Status)
	assert.Equal(t, 3, members[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSummary(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`GROUP BY status, cover_plan`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "cover_plan", "count", "verified"}).
			AddRow("Active", "basic", 4, 2).
			AddRow("Inactive", "basic", 1, 0).
			AddRow("Active", "family", 2, 2))

	s, err := repo.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, s.Total)
	assert.Equal(t, 4, s.Verified)
	assert.Equal(t, 6, s.ByStatus[StatusActive])
	assert.Equal(t, 5, s.ByPlan["basic"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMemberVersionCheck(t *testing.T) {
	repo, mock := newMockRepo(t)
	m := &Member{ID: uuid.New(), Name: "Mary", PhoneNumber: "+254712345678", CoverPlan: "basic", Status: StatusInactive, Version: 4}

	mock.ExpectExec(`UPDATE members`).
		WithArgs(m.Name, m.PhoneNumber, m.CoverPlan, "Inactive", false, m.ID, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateMember(context.Background(), m))
	assert.Equal(t, 5, m.Version)

	mock.ExpectExec(`UPDATE members`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM members WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(m.ID.String(), 9))
	assert.ErrorIs(t, repo.UpdateMember(context.Background(), m), ErrConcurrentUpdate)

	mock.ExpectExec(`UPDATE members`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM members WHERE id = \$1`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	assert.ErrorIs(t, repo.UpdateMember(context.Background(), m), ErrMemberNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateMemberDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO members`).WillReturnError(&pq.Error{Code: "23505", Constraint: "members_phone_number_key"})

	err := repo.CreateMember(context.Background(), &Member{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrDuplicateMember)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAddFamilyMemberConstraints(t *testing.T) {
	repo, mock := newMockRepo(t)
	f := &FamilyMember{ID: uuid.New(), MemberID: uuid.New(), Relationship: RelationshipSpouse, Active: true}

	mock.ExpectExec(`INSERT INTO family_members`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "family_one_active_spouse"})
	assert.ErrorIs(t, repo.AddFamilyMember(context.Background(), f), ErrSpouseExists)

	mock.ExpectExec(`INSERT INTO family_members`).
		WillReturnError(&pq.Error{Code: "23503", Constraint: "family_members_member_id_fkey"})
	assert.ErrorIs(t, repo.AddFamilyMember(context.Background(), f), ErrMemberNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivateFamilyMember(t *testing.T) {
	repo, mock := newMockRepo(t)
	memberID, familyID := uuid.New(), uuid.New()

	mock.ExpectExec(`UPDATE family_members SET active = FALSE`).
		WithArgs(familyID, memberID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.DeactivateFamilyMember(context.Background(), memberID, familyID))

	mock.ExpectExec(`UPDATE family_members SET active = FALSE`).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.DeactivateFamilyMember(context.Background(), memberID, familyID), ErrFamilyNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountMembers(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := time.Date(2026, 5, 3, 21, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM members WHERE agent_code = $1 AND registered_at >= $2`)).
		WithArgs("AG001", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM members`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	n, err := repo.CountMembers(context.Background(), ListFilter{AgentCode: "AG001", RegisteredFrom: &from})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = repo.CountMembers(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
