// internal/membership/handler.go
package membership

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"covernexus/internal/agents"
	"covernexus/internal/httpx"
)

type Handler struct {
	service     Service
	tokens      *agents.TokenManager
	internalKey string
	logger      *slog.Logger
}

func NewHandler(service Service, tokens *agents.TokenManager, internalKey string, logger *slog.Logger) *Handler {
	return &Handler{service: service, tokens: tokens, internalKey: internalKey, logger: logger}
}

// Routes registers the public, staff and internal routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/verification/start", h.handleStartVerification)
	r.Post("/verification/confirm", h.handleConfirmVerification)
	r.Post("/id-card/parse", h.handleParseIDText)

	r.Route("/members", func(r chi.Router) {
		r.With(h.tokens.MaybeAuthenticate).Post("/", h.handleRegisterMember)
		r.Post("/login/start", h.handleStartLogin)
		r.Post("/login/confirm", h.handleConfirmLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.tokens.Authenticate, agents.RequireMember)
			r.Get("/me", h.handleGetSelf)
			r.Get("/me/family", h.handleListSelfFamily)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.tokens.Authenticate)

			r.With(agents.RequireRole(agents.RoleAdmin)).Get("/", h.handleListMembers)
			r.With(agents.RequireRole(agents.RoleAdmin)).Get("/summary", h.handleSummary)
			r.With(agents.RequireRole(agents.RoleAdmin)).Get("/export.csv", h.handleExport)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(agents.RequireRole(agents.RoleAgent))
				r.Get("/", h.handleGetMember)
				r.Put("/cover", h.handleUpdateCover)
				r.Get("/family", h.handleListFamily)
				r.Post("/family", h.handleAddFamily)
				r.Delete("/family/{familyID}", h.handleRemoveFamily)
				r.With(agents.RequireRole(agents.RoleAdmin)).Get("/id-number", h.handleRevealIDNumber)
			})
		})
	})

	r.Route("/internal/members", func(r chi.Router) {
		r.Use(httpx.RequireAPIKey(h.internalKey))
		r.Post("/", h.handleRegisterMember)
		r.Get("/lookup", h.handleLookup)
		r.Get("/{id}", h.handleGetMember)
		r.Put("/{id}/status", h.handleUpdateStatus)
		r.Get("/{id}/family", h.handleListFamily)
	})
}

func memberID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", httpx.ErrBadRequest, param)
	}
	return id, nil
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if claims, ok := agents.ClaimsFromContext(r.Context()); ok && claims.IsStaff() {
		req.AgentCode = claims.Code
		req.Channel = ChannelAgent
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, member)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	var (
		member *Member
		err    error
	)
	q := r.URL.Query()
	switch {
	case q.Get("phone") != "":
		member, err = h.service.FindByPhone(r.Context(), q.Get("phone"))
	case q.Get("public_id") != "":
		member, err = h.service.FindByPublicID(r.Context(), q.Get("public_id"))
	default:
		err = fmt.Errorf("%w: phone or public_id is required", httpx.ErrBadRequest)
	}
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, member)
}

func parseFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	f := ListFilter{
		Status:    Status(q.Get("status")),
		CoverPlan: q.Get("plan"),
		AgentCode: q.Get("agent"),
		Channel:   q.Get("channel"),
		Search:    q.Get("q"),
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrBadRequest, name)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.RegisteredFrom, "to": &f.RegisteredTo} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(dateLayout, v)
			if err != nil {
				return f, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrBadRequest, name)
			}
			*dst = &t
		}
	}
	return f, nil
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	members, err := h.service.ListMembers(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []*Member{}
	}
	httpx.WriteJSON(w, http.StatusOK, members)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="members-%s.csv"`, time.Now().UTC().Format("20060102")))
	if err := h.service.ExportCSV(r.Context(), w, f); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.ErrorContext(r.Context(), "export failed", "error", err)
	}
}

func (h *Handler) handleRevealIDNumber(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	plain, err := h.service.RevealIDNumber(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	claims, _ := agents.ClaimsFromContext(r.Context())
	h.logger.InfoContext(r.Context(), "id number revealed", "member_id", id, "by", claims.Code)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id_number": plain})
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req struct {
		Status Status `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.UpdateStatus(r.Context(), id, req.Status); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateCover(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req struct {
		CoverPlan string `json:"cover_plan"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	m, err := h.service.UpdateCoverPlan(r.Context(), id, req.CoverPlan)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) handleListFamily(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	family, err := h.service.ListFamily(r.Context(), id, activeOnly)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, family)
}

func (h *Handler) handleAddFamily(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req FamilyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	f, err := h.service.AddFamilyMember(r.Context(), id, req)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, f)
}

func (h *Handler) handleRemoveFamily(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	familyID, err := memberID(r, "familyID")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.RemoveFamilyMember(r.Context(), id, familyID); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.StartPhoneVerification(r.Context(), req.PhoneNumber); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Code        string `json:"code"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.ConfirmPhoneVerification(r.Context(), req.PhoneNumber, req.Code); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (h *Handler) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.StartMemberLogin(r.Context(), req.PhoneNumber); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type memberLogin struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Member    *Member   `json:"member"`
}

func (h *Handler) handleConfirmLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Code        string `json:"code"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	member, err := h.service.ConfirmMemberLogin(r.Context(), req.PhoneNumber, req.Code)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	token, exp, err := h.tokens.IssueMember(member.ID, member.PublicID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "member signed in", "member_id", member.ID)
	httpx.WriteJSON(w, http.StatusOK, memberLogin{Token: token, ExpiresAt: exp, Member: member})
}

func (h *Handler) handleGetSelf(w http.ResponseWriter, r *http.Request) {
	claims, _ := agents.ClaimsFromContext(r.Context())
	member, err := h.service.GetMember(r.Context(), claims.MemberID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) handleListSelfFamily(w http.ResponseWriter, r *http.Request) {
	claims, _ := agents.ClaimsFromContext(r.Context())
	family, err := h.service.ListFamily(r.Context(), claims.MemberID, r.URL.Query().Get("active") == "true")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, family)
}

// HandleAgentRoster lists the calling agent's registrations. It is mounted
// by the agents routes at /agents/me/members.
func (h *Handler) HandleAgentRoster(w http.ResponseWriter, r *http.Request) {
	claims, ok := agents.ClaimsFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, h.logger, agents.ErrInvalidToken)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	roster, err := h.service.AgentRoster(r.Context(), claims.Code, f.Limit, f.Offset)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, roster)
}

func (h *Handler) handleParseIDText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.service.ParseIDText(req.Text))
}
