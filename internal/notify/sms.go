// internal/notify/sms.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// SMSConfig configures an Africa's Talking style bulk SMS endpoint.
type SMSConfig struct {
	URL           string
	APIKey        string
	Username      string
	SenderID      string
	RatePerSecond float64
	Timeout       time.Duration
}

// SMSGateway posts messages to an HTTP SMS provider. A circuit breaker stops
// hammering a provider that keeps failing, and a limiter keeps us under the
// provider's throughput cap.
type SMSGateway struct {
	cfg     SMSConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewSMSGateway(cfg SMSConfig) *SMSGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &SMSGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "sms-gateway",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
	}
}

type smsResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number     string `json:"number"`
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (g *SMSGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.post(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: sms to %s: %v", ErrDeliveryFailed, msg.To, err)
	}
	return nil
}

func (g *SMSGateway) post(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("username", g.cfg.Username)
	form.Set("to", msg.To)
	form.Set("message", msg.Body)
	if g.cfg.SenderID != "" {
		form.Set("from", g.cfg.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	for _, r := range out.SMSMessageData.Recipients {
		// 100-102 are the provider's processed/sent/queued codes.
		if r.StatusCode < 100 || r.StatusCode > 102 {
			return fmt.Errorf("recipient %s rejected: %s", r.Number, r.Status)
		}
	}
	if len(out.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("no recipients accepted: %s", out.SMSMessageData.Message)
	}
	return nil
}

// State reports the breaker state, for health endpoints.
func (g *SMSGateway) State() string {
	return g.breaker.State().String()
}
