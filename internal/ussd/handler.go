// internal/ussd/handler.go
package ussd

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CallbackKeyHeader carries the secret shared with the USSD gateway. Gateways
// that cannot set headers put it in the callback URL as ?key= instead.
const CallbackKeyHeader = "X-Callback-Key"

type Handler struct {
	menu        *Menu
	callbackKey string
	logger      *slog.Logger
}

// NewHandler serves the gateway callback. An empty callbackKey rejects every
// callback.
func NewHandler(menu *Menu, callbackKey string, logger *slog.Logger) *Handler {
	return &Handler{menu: menu, callbackKey: callbackKey, logger: logger}
}

// Routes registers the gateway callback. Gateways post form fields and read
// the reply as plain text.
func (h *Handler) Routes(r chi.Router) {
	r.With(h.requireCallbackKey).Post("/ussd", h.handleSession)
}

// requireCallbackKey admits only the configured gateway, since the menu
// trusts the phone number the gateway reports.
func (h *Handler) requireCallbackKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(CallbackKeyHeader)
		if got == "" {
			got = r.URL.Query().Get("key")
		}
		if h.callbackKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackKey)) != 1 {
			h.logger.WarnContext(r.Context(), "ussd callback rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "END Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "END Invalid request.", http.StatusBadRequest)
		return
	}
	req := Request{
		SessionID:   r.PostForm.Get("sessionId"),
		ServiceCode: r.PostForm.Get("serviceCode"),
		PhoneNumber: r.PostForm.Get("phoneNumber"),
		Text:        r.PostForm.Get("text"),
	}
	if req.PhoneNumber == "" {
		http.Error(w, "END Invalid request.", http.StatusBadRequest)
		return
	}
	if h.menu.serviceCode != "" && req.ServiceCode != "" && req.ServiceCode != h.menu.serviceCode {
		h.logger.WarnContext(r.Context(), "ussd callback for foreign service code", "service_code", req.ServiceCode)
	}

	reply := h.menu.Respond(r.Context(), req)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(reply))
}
