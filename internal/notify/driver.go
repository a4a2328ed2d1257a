// internal/notify/driver.go
package notify

import (
	"fmt"
	"log/slog"

	"covernexus/internal/config"
)

// FromConfig builds the notifier selected by NOTIFIER_DRIVER. The returned
// close function releases broker connections.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Notifier, func(), error) {
	switch cfg.NotifierDriver {
	case "", "log":
		return NewLogNotifier(logger), func() {}, nil
	case "http":
		gw := NewSMSGateway(SMSConfig{
			URL:           cfg.SMSAPIURL,
			APIKey:        cfg.SMSAPIKey,
			Username:      cfg.SMSUsername,
			SenderID:      cfg.SMSSenderID,
			RatePerSecond: cfg.SMSRatePerSecond,
		})
		return gw, func() {}, nil
	case "amqp":
		b, err := NewBrokerNotifier(cfg.AMQPURL, cfg.NotificationTopic)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown notifier driver %q", cfg.NotifierDriver)
	}
}
