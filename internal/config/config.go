// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Service names accepted by ValidateFor.
const (
	ServiceGateway    = "api"
	ServiceMembership = "membership"
	ServiceBilling    = "billing"
	ServiceScheduler  = "scheduler"
)

// Config holds every setting of the CoverNexus binaries. Each binary reads the
// subset it needs; ValidateFor checks that subset.
type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	Port        string `mapstructure:"PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`

	MembershipServiceURL string `mapstructure:"MEMBERSHIP_SERVICE_URL"`
	BillingServiceURL    string `mapstructure:"BILLING_SERVICE_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	JWTTTL        time.Duration `mapstructure:"JWT_TTL"`
	VaultKey      string        `mapstructure:"VAULT_KEY"`
	SeedAdminCode string        `mapstructure:"SEED_ADMIN_CODE"`
	SeedAdminPIN  string        `mapstructure:"SEED_ADMIN_PIN"`

	GracePeriodDays      int           `mapstructure:"GRACE_PERIOD_DAYS"`
	DefaultPaymentMethod string        `mapstructure:"DEFAULT_PAYMENT_METHOD"`
	Currency             string        `mapstructure:"CURRENCY"`
	ReminderInterval     time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderSlack        time.Duration `mapstructure:"REMINDER_SLACK"`
	ReminderSchedule     string        `mapstructure:"REMINDER_SCHEDULE"`
	Timezone             string        `mapstructure:"TIMEZONE"`

	NotifierDriver    string  `mapstructure:"NOTIFIER_DRIVER"`
	SMSAPIURL         string  `mapstructure:"SMS_API_URL"`
	SMSAPIKey         string  `mapstructure:"SMS_API_KEY"`
	SMSUsername       string  `mapstructure:"SMS_USERNAME"`
	SMSSenderID       string  `mapstructure:"SMS_SENDER_ID"`
	SMSRatePerSecond  float64 `mapstructure:"SMS_RATE_PER_SECOND"`
	NotificationTopic string  `mapstructure:"NOTIFICATION_EXCHANGE"`

	USSDServiceCode     string        `mapstructure:"USSD_SERVICE_CODE"`
	USSDCallbackKey     string        `mapstructure:"USSD_CALLBACK_KEY"`
	VerificationCodeTTL time.Duration `mapstructure:"VERIFICATION_CODE_TTL"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var defaults = map[string]interface{}{
	"SERVICE_NAME":           "covernexus",
	"PORT":                   "8080",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"STORE_DRIVER":           "postgres",
	"MEMBERSHIP_SERVICE_URL": "http://localhost:8083",
	"BILLING_SERVICE_URL":    "http://localhost:8084",
	"JWT_TTL":                "12h",
	"GRACE_PERIOD_DAYS":      7,
	"DEFAULT_PAYMENT_METHOD": "M-Pesa",
	"CURRENCY":               "KES",
	"REMINDER_INTERVAL":      "24h",
	"REMINDER_SLACK":         "1h",
	"REMINDER_SCHEDULE":      "0 13 * * *",
	"TIMEZONE":               "Africa/Nairobi",
	"NOTIFIER_DRIVER":        "log",
	"SMS_SENDER_ID":          "AYTININS",
	"SMS_RATE_PER_SECOND":    5.0,
	"NOTIFICATION_EXCHANGE":  "covernexus.notifications",
	"USSD_SERVICE_CODE":      "*789#",
	"VERIFICATION_CODE_TTL":  "5m",
}

var keys = []string{
	"DATABASE_URL", "REDIS_URL", "AMQP_URL", "INTERNAL_API_KEY", "JWT_SECRET", "VAULT_KEY",
	"SEED_ADMIN_CODE", "SEED_ADMIN_PIN", "SMS_API_URL", "SMS_API_KEY", "SMS_USERNAME",
	"USSD_CALLBACK_KEY", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from the environment, after loading an optional
// .env file from the working directory.
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.NotifierDriver = strings.ToLower(strings.TrimSpace(cfg.NotifierDriver))
	return &cfg, nil
}

// ValidateFor checks the settings a given binary cannot run without.
func (c *Config) ValidateFor(service string) error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	switch service {
	case ServiceGateway:
		require("MEMBERSHIP_SERVICE_URL", c.MembershipServiceURL)
		require("BILLING_SERVICE_URL", c.BillingServiceURL)
	case ServiceMembership:
		if c.StoreDriver == "postgres" {
			require("DATABASE_URL", c.DatabaseURL)
		}
		require("JWT_SECRET", c.JWTSecret)
		require("INTERNAL_API_KEY", c.InternalAPIKey)
	case ServiceBilling:
		if c.StoreDriver == "postgres" {
			require("DATABASE_URL", c.DatabaseURL)
		}
		require("MEMBERSHIP_SERVICE_URL", c.MembershipServiceURL)
		require("INTERNAL_API_KEY", c.InternalAPIKey)
		require("JWT_SECRET", c.JWTSecret)
		require("USSD_CALLBACK_KEY", c.USSDCallbackKey)
		if c.GracePeriodDays < 0 {
			return fmt.Errorf("GRACE_PERIOD_DAYS must not be negative, got %d", c.GracePeriodDays)
		}
	case ServiceScheduler:
		require("BILLING_SERVICE_URL", c.BillingServiceURL)
		require("INTERNAL_API_KEY", c.InternalAPIKey)
		require("REMINDER_SCHEDULE", c.ReminderSchedule)
	default:
		return fmt.Errorf("unknown service %q", service)
	}

	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	switch c.NotifierDriver {
	case "log":
	case "http":
		require("SMS_API_URL", c.SMSAPIURL)
		require("SMS_API_KEY", c.SMSAPIKey)
	case "amqp":
		require("AMQP_URL", c.AMQPURL)
	default:
		return fmt.Errorf("NOTIFIER_DRIVER must be log, http or amqp, got %q", c.NotifierDriver)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
