// internal/billing/handler.go
package billing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"covernexus/internal/agents"
	"covernexus/internal/httpx"
	"covernexus/internal/notify"
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

// Routes registers staff routes under /billing and service routes under
// /internal.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/billing/members/{id}", func(r chi.Router) {
		r.Use(h.tokens.Authenticate, agents.RequireRole(agents.RoleAgent))
		r.Get("/balance", h.handleGetBalance)
		r.Get("/statement", h.handleStatement)
		r.Post("/payments", h.handleAddPayment)
		r.Post("/reminders", h.handleSendReminder)
		r.With(agents.RequireRole(agents.RoleAdmin)).Post("/adjustments", h.handleAdjust)
	})

	r.Route("/billing/me", func(r chi.Router) {
		r.Use(h.tokens.Authenticate, agents.RequireMember)
		r.Get("/balance", h.handleGetBalance)
		r.Get("/statement", h.handleStatement)
	})

	r.With(h.tokens.Authenticate, agents.RequireRole(agents.RoleAdmin)).
		Post("/billing/payment-requests/{id}/confirm", h.handleConfirmPayment)

	r.Route("/internal", func(r chi.Router) {
		r.Use(httpx.RequireAPIKey(h.internalKey))
		r.Post("/members/{id}/payments", h.handleAddPayment)
		r.Get("/members/{id}/balance", h.handleGetBalance)
		r.Get("/payment-requests/{id}", h.handleGetPaymentRequest)
		r.Post("/payment-requests/{id}/confirm", h.handleConfirmPayment)
		r.Post("/reminders/run", h.handleRunReminders)
		r.Get("/ledger", h.handleJournal)
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, notify.ErrDeliveryFailed) {
		err = fmt.Errorf("%w: %w", httpx.ErrUpstream, err)
	}
	httpx.WriteError(w, h.logger, err)
}

// memberID is the {id} path parameter, or the caller's own id on member
// routes.
func memberID(r *http.Request) (uuid.UUID, error) {
	if claims, ok := agents.ClaimsFromContext(r.Context()); ok && claims.Role == agents.RoleMember {
		return claims.MemberID, nil
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid member id", httpx.ErrBadRequest)
	}
	return id, nil
}

func requestID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid payment request id", httpx.ErrBadRequest)
	}
	return id, nil
}

type paymentRequest struct {
	Amount    decimal.Decimal   `json:"amount"`
	DaysPaid  *int              `json:"days_paid,omitempty"`
	Method    string            `json:"method"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if claims, ok := agents.ClaimsFromContext(r.Context()); ok {
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["agent_code"] = claims.Code
	}

	_, err = h.service.AddPayment(r.Context(), id, req.Amount, PaymentOptions{
		DaysPaid:  req.DaysPaid,
		Method:    req.Method,
		Reference: req.Reference,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleGetPaymentRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.service.GetPaymentRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		Receipt string `json:"receipt"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	balance, err := h.service.ConfirmPayment(r.Context(), id, req.Receipt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"balance_days": balance})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.service.Statement(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) handleSendReminder(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	msg, err := h.service.SendReminder(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	id, err := memberID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		Days   int    `json:"days"`
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	balance, err := h.service.AdjustBalance(r.Context(), id, req.Days, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	claims, _ := agents.ClaimsFromContext(r.Context())
	h.logger.InfoContext(r.Context(), "adjustment authorised", "member_id", id, "by", claims.Code)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"balance_days": balance})
}

func (h *Handler) handleRunReminders(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.ProcessDailyReminders(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, run)
}

type journalPage struct {
	Entries []Transaction `json:"entries"`
	// Next is the after value for the following page.
	Next int64 `json:"next"`
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	var limit int
	var err error
	if v := q.Get("after"); v != "" {
		if after, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.writeError(w, fmt.Errorf("%w: after must be an integer", httpx.ErrBadRequest))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			h.writeError(w, fmt.Errorf("%w: limit must be an integer", httpx.ErrBadRequest))
			return
		}
	}

	entries, err := h.service.Journal(r.Context(), after, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page := journalPage{Entries: entries, Next: after}
	if n := len(entries); n > 0 {
		page.Next = entries[n-1].ID
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}
