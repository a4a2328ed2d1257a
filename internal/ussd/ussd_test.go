package ussd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covernexus/internal/billing"
	"covernexus/internal/cover"
	"covernexus/internal/lock"
	"covernexus/internal/membership"
	"covernexus/internal/notify"
	"covernexus/internal/telemetry"
)

const phone = "+254712345678"

// directory plays the membership service for both the menu and the engine.
type directory struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*membership.Member
	down    bool
	lastReq membership.RegistrationRequest
}

func (d *directory) FindByPhone(_ context.Context, p string) (*membership.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, errors.New("connection refused")
	}
	for _, m := range d.byID {
		if m.PhoneNumber == p {
			return m, nil
		}
	}
	return nil, membership.ErrMemberNotFound
}

func (d *directory) RegisterMember(_ context.Context, req membership.RegistrationRequest) (*membership.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReq = req
	for _, m := range d.byID {
		if m.PhoneNumber == req.PhoneNumber {
			return nil, membership.ErrDuplicateMember
		}
	}
	m := &membership.Member{ID: uuid.New(), PublicID: "M0000AB12", Name: req.Name, PhoneNumber: req.PhoneNumber,
		CoverPlan: req.CoverPlan, Status: membership.StatusActive, Channel: req.Channel}
	d.byID[m.ID] = m
	return m, nil
}

func (d *directory) GetMember(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byID[id]
	if !ok {
		return nil, membership.ErrMemberNotFound
	}
	return m, nil
}

func (d *directory) ActiveFamily(context.Context, uuid.UUID) ([]*membership.FamilyMember, error) {
	return nil, nil
}

func (d *directory) UpdateStatus(_ context.Context, id uuid.UUID, s membership.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[id].Status = s
	return nil
}

const callbackKey = "gateway-secret"

// recordingBilling remembers the payment requests the menu opens.
type recordingBilling struct {
	billing.Service
	mu       sync.Mutex
	requests []*billing.PaymentRequest
}

func (r *recordingBilling) RequestPayment(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, channel, reference string) (*billing.PaymentRequest, error) {
	p, err := r.Service.RequestPayment(ctx, memberID, amount, channel, reference)
	if err == nil {
		r.mu.Lock()
		r.requests = append(r.requests, p)
		r.mu.Unlock()
	}
	return p, err
}

type fixture struct {
	menu   *Menu
	dir    *directory
	engine *recordingBilling
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: &directory{byID: map[uuid.UUID]*membership.Member{}}, now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	f.engine = &recordingBilling{Service: billing.NewService(billing.NewMemoryRepository(), f.dir, cover.DefaultRegistry(), &notify.Recorder{},
		lock.NewKeyedMutex(), telemetry.Discard(), billing.Config{GracePeriodDays: 7},
		billing.WithClock(func() time.Time { return f.now }))}
	f.menu = NewMenu(f.dir, f.engine, cover.DefaultRegistry().Plans(), "*789#", "KES", telemetry.Discard())
	return f
}

// confirmPending plays the payment provider approving every open request.
func (f *fixture) confirmPending(t *testing.T) {
	t.Helper()
	f.engine.mu.Lock()
	requests := append([]*billing.PaymentRequest(nil), f.engine.requests...)
	f.engine.mu.Unlock()
	for i, p := range requests {
		stored, err := f.engine.GetPaymentRequest(context.Background(), p.ID)
		require.NoError(t, err)
		if stored.Status != billing.RequestPending {
			continue
		}
		_, err = f.engine.ConfirmPayment(context.Background(), p.ID, fmt.Sprintf("QK%04d", i))
		require.NoError(t, err)
	}
}

func (f *fixture) say(text string) string {
	return f.menu.Respond(context.Background(), Request{SessionID: "ATUid_1", ServiceCode: "*789#", PhoneNumber: phone, Text: text})
}

func TestMainMenu(t *testing.T) {
	f := newFixture(t)
	reply := f.say("")
	assert.True(t, strings.HasPrefix(reply, "CON "))
	assert.Contains(t, reply, "1. Register")
	assert.Contains(t, reply, "4. Cover status")
	assert.Equal(t, "END Invalid choice.", f.say("9"))
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "CON Enter your full name", f.say("1"))
	assert.Equal(t, "CON Enter your ID number", f.say("1*Mary Wanjiku"))
	assert.Equal(t, "CON Enter date of birth (DD/MM/YYYY)", f.say("1*Mary Wanjiku*12345678"))
	plans := f.say("1*Mary Wanjiku*12345678*01/02/1990")
	assert.Contains(t, plans, "\n2. Standard Cover - KES 200/day")

	reply := f.say("1*Mary Wanjiku*12345678*01/02/1990*2")
	assert.Equal(t, "END Welcome Mary Wanjiku! Member ID: M0000AB12. Daily premium: KES 200.", reply)
	assert.Equal(t, "1990-02-01", f.dir.lastReq.DateOfBirth)
	assert.Equal(t, "standard", f.dir.lastReq.CoverPlan)
	assert.Equal(t, membership.ChannelUSSD, f.dir.lastReq.Channel)

	assert.Equal(t, "END You are already registered. Member ID: M0000AB12", f.say("1"))
}

func TestRegistrationRejectsBadAnswers(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "END Invalid date of birth. Use DD/MM/YYYY.", f.say("1*Mary*12345678*1990-02-01*2"))
	assert.Equal(t, "END Invalid cover choice.", f.say("1*Mary*12345678*01/02/1990*9"))
}

func TestUnregisteredNumber(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"2", "3", "4"} {
		assert.Equal(t, "END This number is not registered. Dial *789# and choose 1 to register.", f.say(text))
	}
}

func TestMembershipOutage(t *testing.T) {
	f := newFixture(t)
	f.dir.down = true
	assert.Equal(t, unavailable, f.say("2"))
	assert.Equal(t, unavailable, f.say("1"))
}

func TestPaymentBalanceAndStatus(t *testing.T) {
	f := newFixture(t)
	f.say("1*Mary Wanjiku*12345678*01/02/1990*2")

	assert.Equal(t, "END Balance: 0 days (current).", f.say("2"))
	assert.Equal(t, "CON Enter amount (KES)", f.say("3"))
	assert.Equal(t, "END Invalid amount.", f.say("3*abc"))
	assert.Equal(t, "END Minimum payment is KES 200.", f.say("3*150"))
	assert.Equal(t, "CON Pay KES 1400 for 7 days?\n1. Confirm\n2. Cancel", f.say("3*1400"))
	assert.Equal(t, "END Payment cancelled.", f.say("3*1400*2"))
	assert.Equal(t, "END Invalid amount.", f.say("3*199.999"))
	assert.Equal(t, "END Payment request of KES 1400 sent. Approve it on your phone to add 7 days.", f.say("3*1400*1"))
	assert.Equal(t, "END Balance: 0 days (current).", f.say("2"), "nothing is credited before the provider confirms")

	f.confirmPending(t)
	assert.Equal(t, "END Balance: 7 days (overpaid).", f.say("2"))
	assert.Equal(t, "END Cover: Active. Plan: standard at KES 200/day. Paid through 11 May 2026.", f.say("4"))

	f.now = f.now.Add(10 * 24 * time.Hour)
	assert.Equal(t, "END Balance: -3 days (in arrears). Pay KES 600 to restore cover.", f.say("2"))
	assert.Equal(t, "END Cover: Inactive. Plan: standard at KES 200/day.", f.say("4"))
}

func TestHandlerSpeaksFormAndText(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	NewHandler(f.menu, callbackKey, telemetry.Discard()).Routes(r)

	form := url.Values{"sessionId": {"ATUid_1"}, "serviceCode": {"*789#"}, "phoneNumber": {phone}, "text": {""}}
	req := httptest.NewRequest(http.MethodPost, "/ussd", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(CallbackKeyHeader, callbackKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "CON Welcome"))

	req = httptest.NewRequest(http.MethodPost, "/ussd?key="+callbackKey, strings.NewReader("sessionId=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRejectsUnauthenticatedCallbacks(t *testing.T) {
	f := newFixture(t)
	f.say("1*Mary Wanjiku*12345678*01/02/1990*2")

	post := func(h *Handler, target string, header string) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.Routes(r)
		form := url.Values{"sessionId": {"ATUid_7"}, "serviceCode": {"*789#"}, "phoneNumber": {phone}, "text": {"3*200000*1"}}
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if header != "" {
			req.Header.Set(CallbackKeyHeader, header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	h := NewHandler(f.menu, callbackKey, telemetry.Discard())
	for name, rec := range map[string]*httptest.ResponseRecorder{
		"no key":      post(h, "/ussd", ""),
		"wrong key":   post(h, "/ussd", "guess"),
		"wrong query": post(h, "/ussd?key=guess", ""),
		"unset key":   post(NewHandler(f.menu, "", telemetry.Discard()), "/ussd", ""),
	} {
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
		assert.Equal(t, "END Unauthorized.\n", rec.Body.String(), name)
	}
	f.engine.mu.Lock()
	assert.Empty(t, f.engine.requests, "rejected callbacks open no payment")
	f.engine.mu.Unlock()

	rec := post(h, "/ussd?key="+callbackKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "END Payment request of KES 200000 sent."))
	assert.Equal(t, "END Balance: 0 days (current).", f.say("2"))
}
