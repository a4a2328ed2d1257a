package membership

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covernexus/internal/cover"
	"covernexus/internal/notify"
	"covernexus/internal/telemetry"
	"covernexus/internal/vault"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   Service
	repo  *MemoryRepository
	sms   *notify.Recorder
	codes *MemoryCodeStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	f := &fixture{
		repo:  NewMemoryRepository(),
		sms:   &notify.Recorder{},
		codes: NewMemoryCodeStore(),
	}
	f.codes.now = func() time.Time { return testNow }
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	f.svc = NewService(f.repo, cover.DefaultRegistry(), v, f.sms, f.codes, telemetry.Discard(), opts...)
	return f
}

func validRequest() RegistrationRequest {
	return RegistrationRequest{
		Name:        "Mary   Wanjiku",
		IDNumber:    "12345678",
		PhoneNumber: "0712345678",
		DateOfBirth: "1990-02-01",
		Gender:      "Female",
		CoverPlan:   "Standard",
	}
}

func TestRegisterMember(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.RegisterMember(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, "Mary Wanjiku", m.Name)
	assert.Equal(t, "+254712345678", m.PhoneNumber)
	assert.Equal(t, "standard", m.CoverPlan)
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, ChannelApp, m.Channel)
	assert.Equal(t, "123****8", m.IDNumberMasked)
	assert.NotContains(t, m.IDNumberEncrypted, "12345678")
	assert.Regexp(t, `^M[0-9A-F]{8}$`, m.PublicID)
	assert.Equal(t, testNow, m.RegisteredAt)
	require.NotNil(t, m.DateOfBirth)
	assert.Equal(t, "1990-02-01", m.DateOfBirth.Format(dateLayout))

	sent := f.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindWelcome, sent[0].Kind)
	assert.Equal(t, m.ID, sent[0].MemberID)
	assert.Contains(t, sent[0].Body, "Standard Cover costs KES 200 per day")
	assert.Contains(t, sent[0].Body, m.PublicID)
}

func TestRegisterMemberByAgentSetsChannel(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.AgentCode = "AG001"
	m, err := f.svc.RegisterMember(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChannelAgent, m.Channel)
	assert.Equal(t, "AG001", m.AgentCode)
}

func TestRegisterMemberRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.PhoneNumber = "+254722000000"
	_, err = f.svc.RegisterMember(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateMember)

	req = validRequest()
	req.IDNumber = "87654321"
	_, err = f.svc.RegisterMember(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateMember, "same phone")
}

func TestRegisterMemberValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistrationRequest)
	}{
		{"minor", func(r *RegistrationRequest) { r.DateOfBirth = "2015-01-01" }},
		{"bad date", func(r *RegistrationRequest) { r.DateOfBirth = "01/02/1990" }},
		{"short id", func(r *RegistrationRequest) { r.IDNumber = "1234" }},
		{"digits in name", func(r *RegistrationRequest) { r.Name = "M4ry" }},
		{"bad phone", func(r *RegistrationRequest) { r.PhoneNumber = "12" }},
		{"unknown plan", func(r *RegistrationRequest) { r.CoverPlan = "gold" }},
		{"unknown gender", func(r *RegistrationRequest) { r.Gender = "X" }},
		{"unknown channel", func(r *RegistrationRequest) { r.Channel = "fax" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(&req)
			_, err := f.svc.RegisterMember(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Empty(t, f.sms.Sent())
		})
	}
}

func TestRegisterMemberSurvivesSMSFailure(t *testing.T) {
	f := newFixture(t)
	f.sms.Fail(errors.New("gateway down"))
	m, err := f.svc.RegisterMember(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = f.repo.GetMember(context.Background(), m.ID)
	assert.NoError(t, err)
}

func TestRegisterMemberRateLimited(t *testing.T) {
	f := newFixture(t, WithRegistrationLimit(0.001, 1))
	ctx := context.Background()
	_, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.IDNumber = "87654321"
	req.PhoneNumber = "+254722000000"
	_, err = f.svc.RegisterMember(ctx, req)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	byPhone, err := f.svc.FindByPhone(ctx, "254712345678")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byPhone.ID)

	byPublic, err := f.svc.FindByPublicID(ctx, " "+m.PublicID+" ")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byPublic.ID)

	_, err = f.svc.GetMember(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrMemberNotFound)

	plain, err := f.svc.RevealIDNumber(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "12345678", plain)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateStatus(ctx, m.ID, StatusInactive))
	got, err := f.svc.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, got.Status)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, f.svc.UpdateStatus(ctx, m.ID, StatusInactive))
	got, err = f.svc.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "unchanged status is not rewritten")

	assert.ErrorIs(t, f.svc.UpdateStatus(ctx, m.ID, Status("Lapsed")), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.UpdateStatus(ctx, uuid.New(), StatusActive), ErrMemberNotFound)
}

func TestUpdateCoverPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	updated, err := f.svc.UpdateCoverPlan(ctx, m.ID, "PREMIUM")
	require.NoError(t, err)
	assert.Equal(t, "premium", updated.CoverPlan)

	_, err = f.svc.UpdateCoverPlan(ctx, m.ID, "gold")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFamilyMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	spouse, err := f.svc.AddFamilyMember(ctx, m.ID, FamilyRequest{Relationship: "Spouse", Name: "John Kamau"})
	require.NoError(t, err)
	assert.Equal(t, "John Kamau", spouse.Name)
	assert.NotContains(t, spouse.NameEncrypted, "John")

	_, err = f.svc.AddFamilyMember(ctx, m.ID, FamilyRequest{Relationship: "spouse", Name: "Peter Otieno"})
	assert.ErrorIs(t, err, ErrSpouseExists)

	_, err = f.svc.AddFamilyMember(ctx, m.ID, FamilyRequest{Relationship: "child", Name: "Amani Kamau", DateOfBirth: "2018-06-01"})
	require.NoError(t, err)

	_, err = f.svc.AddFamilyMember(ctx, m.ID, FamilyRequest{Relationship: "child", Name: "Baraka", DateOfBirth: "2030-01-01"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.AddFamilyMember(ctx, uuid.New(), FamilyRequest{Relationship: "child", Name: "Baraka"})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	require.NoError(t, f.svc.RemoveFamilyMember(ctx, m.ID, spouse.ID))
	assert.ErrorIs(t, f.svc.RemoveFamilyMember(ctx, m.ID, spouse.ID), ErrFamilyNotFound)

	_, err = f.svc.AddFamilyMember(ctx, m.ID, FamilyRequest{Relationship: "spouse", Name: "Peter Otieno"})
	require.NoError(t, err)

	all, err := f.svc.ListFamily(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := f.svc.ListFamily(ctx, m.ID, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Amani Kamau", active[0].Name)
	assert.Equal(t, "Peter Otieno", active[1].Name)
}

var codeRe = regexp.MustCompile(`\b(\d{6})\b`)

func lastCode(t *testing.T, sms *notify.Recorder) string {
	t.Helper()
	sent := sms.Sent()
	require.NotEmpty(t, sent)
	m := codeRe.FindStringSubmatch(sent[len(sent)-1].Body)
	require.NotNil(t, m)
	return m[1]
}

func TestPhoneVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.StartPhoneVerification(ctx, "0712 345 678"))
	code := lastCode(t, f.sms)

	assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254712345678", "000000x"), ErrInvalidCode)
	require.NoError(t, f.svc.ConfirmPhoneVerification(ctx, "+254712345678", code))

	got, err := f.svc.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.PhoneVerified)

	assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254712345678", code), ErrCodeNotFound, "codes are single use")
}

func TestPhoneVerificationBeforeRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.StartPhoneVerification(ctx, "+254700111222"))
	assert.NoError(t, f.svc.ConfirmPhoneVerification(ctx, "+254700111222", lastCode(t, f.sms)))
}

func TestPhoneVerificationAttemptLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.StartPhoneVerification(ctx, "+254700111222"))

	for i := 0; i < maxVerifyAttempts-1; i++ {
		assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254700111222", "wrong"), ErrInvalidCode)
	}
	assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254700111222", "wrong"), ErrTooManyAttempts)
	assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254700111222", lastCode(t, f.sms)), ErrCodeNotFound)
}

func TestPhoneVerificationExpiry(t *testing.T) {
	f := newFixture(t, WithCodeTTL(time.Minute))
	ctx := context.Background()
	require.NoError(t, f.svc.StartPhoneVerification(ctx, "+254700111222"))
	code := lastCode(t, f.sms)

	f.codes.now = func() time.Time { return testNow.Add(time.Minute) }
	assert.ErrorIs(t, f.svc.ConfirmPhoneVerification(ctx, "+254700111222", code), ErrCodeNotFound)
}

func TestStartVerificationRejectsBadPhone(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.StartPhoneVerification(context.Background(), "hello"), ErrInvalidInput)
	assert.Empty(t, f.sms.Sent())
}

func registerN(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		req := validRequest()
		req.IDNumber = "2000000" + string(rune('0'+i))
		req.PhoneNumber = "+25471000000" + string(rune('0'+i))
		_, err := f.svc.RegisterMember(context.Background(), req)
		require.NoError(t, err)
	}
}

func TestListMembersAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerN(t, f, 3)

	list, err := f.svc.ListMembers(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListMembers(ctx, ListFilter{Search: "wanjiku"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = f.svc.ListMembers(ctx, ListFilter{Status: "Lapsed"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.svc.UpdateStatus(ctx, list[0].ID, StatusSuspended))
	s, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByStatus[StatusActive])
	assert.Equal(t, 1, s.ByStatus[StatusSuspended])
	assert.Equal(t, 3, s.ByPlan["standard"])
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	registerN(t, f, 3)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportCSV(context.Background(), &buf, ListFilter{}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, exportHeader, rows[0])
	for _, row := range rows[1:] {
		assert.Equal(t, "Mary Wanjiku", row[1])
		assert.Regexp(t, `^200\*{4}\d$`, row[3])
		assert.Equal(t, "1990-02-01", row[4])
		assert.Equal(t, "standard", row[6])
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"0712345678":       "+254712345678",
		"712345678":        "+254712345678",
		"254712345678":     "+254712345678",
		"+254 712 345 678": "+254712345678",
		"0110-123-456":     "+254110123456",
		"+447700900123":    "+447700900123",
		"12":               "12",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestParseIDText(t *testing.T) {
	f := newFixture(t)
	d := f.svc.ParseIDText("")
	assert.Empty(t, d.IDNumber)
}

func TestMemberLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.RegisterMember(ctx, validRequest())
	require.NoError(t, err)

	sent := len(f.sms.Sent())
	require.NoError(t, f.svc.StartMemberLogin(ctx, "+254799999999"), "unknown phones look like known ones")
	assert.Len(t, f.sms.Sent(), sent)
	assert.ErrorIs(t, f.svc.StartMemberLogin(ctx, "hello"), ErrInvalidInput)

	require.NoError(t, f.svc.StartMemberLogin(ctx, "0712 345 678"))
	require.Len(t, f.sms.Sent(), sent+1)
	code := lastCode(t, f.sms)

	_, err = f.svc.ConfirmMemberLogin(ctx, "+254712345678", "000000x")
	assert.ErrorIs(t, err, ErrInvalidCode)
	got, err := f.svc.ConfirmMemberLogin(ctx, "+254712345678", code)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = f.svc.ConfirmMemberLogin(ctx, "+254712345678", code)
	assert.ErrorIs(t, err, ErrCodeNotFound, "codes are single use")
}

func TestMemberLoginNeedsAMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.StartPhoneVerification(ctx, "+254700111222"))
	_, err := f.svc.ConfirmMemberLogin(ctx, "+254700111222", lastCode(t, f.sms))
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestAgentRosterCountsTodayInLocalTime(t *testing.T) {
	now := testNow
	eat := time.FixedZone("EAT", 3*60*60)
	f := newFixture(t, WithClock(func() time.Time { return now }), WithLocation(eat))
	ctx := context.Background()

	// 23:00 and 01:00 local straddle midnight; the last is this morning.
	for i, at := range []time.Time{testNow.Add(-13 * time.Hour), testNow.Add(-11 * time.Hour), testNow} {
		now = at
		req := validRequest()
		req.IDNumber = "3000000" + string(rune('0'+i))
		req.PhoneNumber = "+25472000000" + string(rune('0'+i))
		req.AgentCode = "AG001"
		_, err := f.svc.RegisterMember(ctx, req)
		require.NoError(t, err)
	}
	req := validRequest()
	req.AgentCode = "AG002"
	_, err := f.svc.RegisterMember(ctx, req)
	require.NoError(t, err)

	roster, err := f.svc.AgentRoster(ctx, "AG001", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "AG001", roster.AgentCode)
	assert.Equal(t, 3, roster.Total)
	assert.Equal(t, 2, roster.Today)
	assert.Len(t, roster.Members, 2)

	utc := newFixture(t, WithClock(func() time.Time { return now }))
	for i, at := range []time.Time{testNow.Add(-11 * time.Hour), testNow} {
		now = at
		req := validRequest()
		req.IDNumber = "4000000" + string(rune('0'+i))
		req.PhoneNumber = "+25473000000" + string(rune('0'+i))
		req.AgentCode = "AG001"
		_, err := utc.svc.RegisterMember(ctx, req)
		require.NoError(t, err)
	}
	roster, err = utc.svc.AgentRoster(ctx, "AG001", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, roster.Total)
	assert.Equal(t, 1, roster.Today, "22:00 UTC belongs to yesterday")

	empty, err := f.svc.AgentRoster(ctx, "AG404", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.NotNil(t, empty.Members)

	_, err = f.svc.AgentRoster(ctx, " ", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
