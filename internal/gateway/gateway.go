// internal/gateway/gateway.go
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"

	"covernexus/internal/httpx"
)

// Prefix is stripped before requests are proxied.
const Prefix = "/api/v1"

var (
	membershipRoutes = []string{"/members", "/agents", "/verification", "/id-card", "/plans"}
	billingRoutes    = []string{"/billing", "/ussd"}
)

// Mount proxies the public routes of each service under Prefix. Internal
// routes are never exposed.
func Mount(r chi.Router, membershipURL, billingURL string, logger *slog.Logger) error {
	membership, err := newProxy(membershipURL, logger)
	if err != nil {
		return fmt.Errorf("membership upstream: %w", err)
	}
	billing, err := newProxy(billingURL, logger)
	if err != nil {
		return fmt.Errorf("billing upstream: %w", err)
	}

	r.Route(Prefix, func(r chi.Router) {
		for _, p := range membershipRoutes {
			r.Handle(p, http.StripPrefix(Prefix, membership))
			r.Handle(p+"/*", http.StripPrefix(Prefix, membership))
		}
		for _, p := range billingRoutes {
			r.Handle(p, http.StripPrefix(Prefix, billing))
			r.Handle(p+"/*", http.StripPrefix(Prefix, billing))
		}
	})
	return nil
}

func newProxy(raw string, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", raw)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorContext(r.Context(), "upstream request failed", "upstream", target.Host, "path", r.URL.Path, "error", err)
		httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorBody{Error: "upstream unavailable"})
	}
	return proxy, nil
}
