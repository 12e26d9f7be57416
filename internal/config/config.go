package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module exposes the environment-backed configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator; it must differ between replicas.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	Redis   RedisConfig
	Email   EmailConfig
	Stripe  StripeConfig
	Billing BillingRuntimeConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// ProcessedEventTTL bounds how long a committed event id stays in the replay cache.
	ProcessedEventTTL time.Duration
}

type EmailConfig struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type StripeConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
	MaxPayloadBytes  int64
	// RequestTimeout bounds one delivery, including its database transaction.
	RequestTimeout time.Duration
}

type BillingRuntimeConfig struct {
	CascadePolicy     string
	NotifyTimeout     time.Duration
	NotifyConcurrency int
	CatalogSearchPath string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "radbridge"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "radbridge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),

		Redis: RedisConfig{
			Addr:              strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:          getenv("REDIS_PASSWORD", ""),
			DB:                getenvInt("REDIS_DB", 0),
			ProcessedEventTTL: getenvDuration("REDIS_PROCESSED_EVENT_TTL", 72*time.Hour),
		},
		Email: EmailConfig{
			Enabled:      getenvBool("EMAIL_ENABLED", false),
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@radbridge.local"),
		},
		Stripe: StripeConfig{
			WebhookSecret:    strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			WebhookTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			MaxPayloadBytes:  int64(getenvInt("STRIPE_WEBHOOK_MAX_BYTES", 64*1024)),
			RequestTimeout:   getenvDuration("STRIPE_WEBHOOK_TIMEOUT", 20*time.Second),
		},
		Billing: BillingRuntimeConfig{
			CascadePolicy:     strings.ToLower(getenv("BILLING_CASCADE_POLICY", CascadePolicyMirror)),
			NotifyTimeout:     getenvDuration("BILLING_NOTIFY_TIMEOUT", 15*time.Second),
			NotifyConcurrency: getenvInt("BILLING_NOTIFY_CONCURRENCY", 4),
			CatalogSearchPath: strings.TrimSpace(getenv("BILLING_CATALOG_PATH", "")),
		},
	}

	return cfg
}

const (
	// CascadePolicyMirror copies the triggering organization's status onto every
	// matching relationship, regardless of the partner's status.
	CascadePolicyMirror = "mirror"
	// CascadePolicyRequirePartnerActive only reactivates a relationship when the
	// partner organization is itself active.
	CascadePolicyRequirePartnerActive = "require_partner_active"
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
