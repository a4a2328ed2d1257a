// internal/agents/handler.go
package agents

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"covernexus/internal/httpx"
)

type Handler struct {
	service Service
	tokens  *TokenManager
	logger  *slog.Logger
	roster  http.HandlerFunc
}

// HandlerOption customises the agent routes.
type HandlerOption func(*Handler)

// WithRoster serves GET /agents/me/members. The members themselves live in
// the membership service, which supplies the handler.
func WithRoster(roster http.HandlerFunc) HandlerOption {
	return func(h *Handler) { h.roster = roster }
}

func NewHandler(service Service, tokens *TokenManager, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{service: service, tokens: tokens, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts under /agents.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.tokens.Authenticate)
		r.With(RequireRole(RoleAgent)).Get("/me", h.handleMe)
		if h.roster != nil {
			r.With(RequireRole(RoleAgent)).Get("/me/members", h.roster)
		}
		r.With(RequireRole(RoleAdmin)).Post("/", h.handleRegister)
		r.With(RequireRole(RoleAdmin)).Get("/", h.handleList)
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
		PIN  string `json:"pin"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	res, err := h.service.Authenticate(r.Context(), req.Code, req.PIN)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	a, err := h.service.GetAgent(r.Context(), claims.AgentID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	a, err := h.service.RegisterAgent(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListAgents(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}
