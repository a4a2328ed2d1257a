package membership

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covernexus/internal/agents"
	"covernexus/internal/httpx"
	"covernexus/internal/telemetry"
)

const testInternalKey = "internal-secret"

type apiFixture struct {
	*fixture
	router http.Handler
	tokens *agents.TokenManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t)
	tokens := agents.NewTokenManager("jwt-secret", time.Hour)
	r := chi.NewRouter()
	NewHandler(f.svc, tokens, testInternalKey, telemetry.Discard()).Routes(r)
	return &apiFixture{fixture: f, router: r, tokens: tokens}
}

func (a *apiFixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := a.tokens.Issue(&agents.Agent{ID: uuid.New(), Code: "AG007", Role: role})
	require.NoError(t, err)
	return tok
}

func (a *apiFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

const registerBody = `{"name":"Mary Wanjiku","id_number":"12345678","phone_number":"0712345678","date_of_birth":"1990-02-01","cover_plan":"basic"}`

func TestHandlerRegisterMember(t *testing.T) {
	a := newAPIFixture(t)

	rec := a.do(http.MethodPost, "/members", registerBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, ChannelApp, m.Channel)
	assert.Equal(t, "123****8", m.IDNumberMasked)
	assert.NotContains(t, rec.Body.String(), "id_number_hash")

	rec = a.do(http.MethodPost, "/members", registerBody, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/members", `{"name":"x","unknown":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRegisterByAgentRecordsAgent(t *testing.T) {
	a := newAPIFixture(t)

	rec := a.do(http.MethodPost, "/members", registerBody, bearer(a.token(t, agents.RoleAgent)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, ChannelAgent, m.Channel)
	assert.Equal(t, "AG007", m.AgentCode)

	rec = a.do(http.MethodPost, "/members", registerBody, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerStaffRoutes(t *testing.T) {
	a := newAPIFixture(t)
	rec := a.do(http.MethodPost, "/members", registerBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))

	agent := bearer(a.token(t, agents.RoleAgent))
	admin := bearer(a.token(t, agents.RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/members/"+m.ID.String(), "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/members/"+m.ID.String(), "", agent).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/members/not-a-uuid", "", agent).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/members/"+uuid.NewString(), "", agent).Code)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members", "", agent).Code)
	rec = a.do(http.MethodGet, "/members?plan=basic&limit=5", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/members?limit=-1", "", admin).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/members?from=yesterday", "", admin).Code)

	rec = a.do(http.MethodGet, "/members/summary", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = a.do(http.MethodGet, "/members/export.csv", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), m.PublicID)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members/"+m.ID.String()+"/id-number", "", agent).Code)
	rec = a.do(http.MethodGet, "/members/"+m.ID.String()+"/id-number", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id_number":"12345678"}`, rec.Body.String())

	rec = a.do(http.MethodPut, "/members/"+m.ID.String()+"/cover", `{"cover_plan":"family"}`, agent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cover_plan":"family"`)
}

func TestHandlerFamilyRoutes(t *testing.T) {
	a := newAPIFixture(t)
	rec := a.do(http.MethodPost, "/members", registerBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	agent := bearer(a.token(t, agents.RoleAgent))
	base := "/members/" + m.ID.String() + "/family"

	rec = a.do(http.MethodPost, base, `{"relationship":"spouse","name":"John Kamau"}`, agent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var spouse FamilyMember
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&spouse))

	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, base, `{"relationship":"spouse","name":"Other Person"}`, agent).Code)

	rec = a.do(http.MethodGet, base, "", agent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "John Kamau")

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, base+"/"+spouse.ID.String(), "", agent).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, base+"/"+spouse.ID.String(), "", agent).Code)
}

func TestHandlerInternalRoutesRequireKey(t *testing.T) {
	a := newAPIFixture(t)
	key := map[string]string{httpx.InternalKeyHeader: testInternalKey}

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/internal/members", registerBody, nil).Code)
	rec := a.do(http.MethodPost, "/internal/members", strings.Replace(registerBody, `"basic"`, `"basic","channel":"ussd"`, 1), key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, ChannelUSSD, m.Channel)

	rec = a.do(http.MethodGet, "/internal/members/lookup?phone=0712345678", "", key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), m.ID.String())

	rec = a.do(http.MethodGet, "/internal/members/lookup?public_id="+strings.ToLower(m.PublicID), "", key)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/internal/members/lookup", "", key).Code)

	path := "/internal/members/" + m.ID.String()
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPut, path+"/status", `{"status":"Suspended"}`, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPut, path+"/status", `{"status":"Suspended"}`, key).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, path+"/status", `{"status":"Gone"}`, key).Code)

	rec = a.do(http.MethodGet, path, "", key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Suspended"`)

	rec = a.do(http.MethodGet, path+"/family?active=true", "", key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandlerVerificationAndIDParse(t *testing.T) {
	a := newAPIFixture(t)

	rec := a.do(http.MethodPost, "/verification/start", `{"phone_number":"0712345678"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	code := lastCode(t, a.sms)

	rec = a.do(http.MethodPost, "/verification/confirm", `{"phone_number":"0712345678","code":"999999x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/verification/confirm", `{"phone_number":"0712345678","code":"`+code+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"verified":true}`, rec.Body.String())

	rec = a.do(http.MethodPost, "/id-card/parse", `{"text":"ID NUMBER: 23456789"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id_number":"23456789"`)
}

// signIn runs the member login flow and returns the member token.
func (a *apiFixture) signIn(t *testing.T, phone string) string {
	t.Helper()
	rec := a.do(http.MethodPost, "/members/login/start", `{"phone_number":"`+phone+`"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/members/login/confirm", `{"phone_number":"`+phone+`","code":"`+lastCode(t, a.sms)+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var login memberLogin
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&login))
	require.NotEmpty(t, login.Token)
	return login.Token
}

func TestHandlerMemberSelfService(t *testing.T) {
	a := newAPIFixture(t)
	rec := a.do(http.MethodPost, "/members", registerBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))

	other := strings.Replace(strings.Replace(registerBody, "12345678", "87654321", 1), "0712345678", "0722000111", 1)
	rec = a.do(http.MethodPost, "/members", other, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var o Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&o))

	agent := bearer(a.token(t, agents.RoleAgent))
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/members/"+m.ID.String()+"/family",
		`{"relationship":"spouse","name":"John Kamau"}`, agent).Code)

	tok := bearer(a.signIn(t, "+254712345678"))

	rec = a.do(http.MethodGet, "/members/me", "", tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var self Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&self))
	assert.Equal(t, m.ID, self.ID)
	assert.True(t, self.PhoneVerified)

	rec = a.do(http.MethodGet, "/members/me/family", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "John Kamau")

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members/"+o.ID.String(), "", tok).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members/"+m.ID.String()+"/family", "", tok).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members/", "", tok).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/members/me", "", agent).Code, "staff use the staff routes")
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/members/me", "", nil).Code)

	third := strings.Replace(strings.Replace(registerBody, "12345678", "11223344", 1), "0712345678", "0733000222", 1)
	rec = a.do(http.MethodPost, "/members", third, tok)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))
	assert.Empty(t, reg.AgentCode, "a member token is not an agent")
	assert.NotEqual(t, ChannelAgent, reg.Channel)
}

func TestHandlerMemberLoginRejectsBadCode(t *testing.T) {
	a := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/members", registerBody, nil).Code)
	require.Equal(t, http.StatusAccepted, a.do(http.MethodPost, "/members/login/start", `{"phone_number":"0712345678"}`, nil).Code)

	rec := a.do(http.MethodPost, "/members/login/confirm", `{"phone_number":"0712345678","code":"999999x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "token")
	assert.Equal(t, http.StatusAccepted, a.do(http.MethodPost, "/members/login/start", `{"phone_number":"+254799999999"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/members/login/start", `{"phone_number":"hello"}`, nil).Code)
}

func TestHandlerAgentRoster(t *testing.T) {
	a := newAPIFixture(t)
	agent := bearer(a.token(t, agents.RoleAgent))
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/members", registerBody, agent).Code)

	r := chi.NewRouter()
	r.With(a.tokens.Authenticate).Get("/agents/me/members", NewHandler(a.svc, a.tokens, testInternalKey, telemetry.Discard()).HandleAgentRoster)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/me/members?limit=5", nil)
	req.Header.Set("Authorization", agent["Authorization"])
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var roster AgentRoster
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&roster))
	assert.Equal(t, "AG007", roster.AgentCode)
	assert.Equal(t, 1, roster.Total)
	assert.Equal(t, 1, roster.Today)
	require.Len(t, roster.Members, 1)
	assert.Equal(t, "Mary Wanjiku", roster.Members[0].Name)
}
