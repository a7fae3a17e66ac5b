package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	AdminToken  string
	FrontendURL string

	Telemetry TelemetryConfig

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

	Redis RedisConfig

	Billing   BillingConfig
	Email     EmailConfig
	SlackHook string

	Scheduler SchedulerConfig
}

// TelemetryConfig carries logging and OpenTelemetry exporter settings.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// BillingConfig selects and configures the recurring-payment provider.
type BillingConfig struct {
	Provider        string
	DefaultCurrency string
	ProviderTimeout time.Duration
	BackURL         string

	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoBaseURL       string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePrices        map[string]string
}

type EmailConfig struct {
	Provider     string
	From         string
	FromName     string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	PostmarkServerToken  string
	PostmarkAccountToken string
}

type SchedulerConfig struct {
	ExpiryInterval    time.Duration
	ReminderInterval  time.Duration
	ReconcileInterval time.Duration
	EnabledJobs       []string
	UseLock           bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	frontendURL := strings.TrimRight(getenv("FRONTEND_URL", "http://localhost:3000"), "/")

	return Config{
		AppName:     getenv("APP_SERVICE", "entitlements"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		AdminToken:  strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		FrontendURL: frontendURL,

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "entitlements"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Billing: BillingConfig{
			Provider:                 strings.ToLower(getenv("BILLING_PROVIDER", "mercadopago")),
			DefaultCurrency:          strings.ToUpper(getenv("DEFAULT_CURRENCY", "CLP")),
			ProviderTimeout:          getenvDuration("BILLING_PROVIDER_TIMEOUT", 10*time.Second),
			BackURL:                  getenv("BILLING_BACK_URL", frontendURL+"/subscription/success"),
			MercadoPagoAccessToken:   strings.TrimSpace(getenv("MERCADOPAGO_ACCESS_TOKEN", "")),
			MercadoPagoWebhookSecret: strings.TrimSpace(getenv("MERCADOPAGO_WEBHOOK_SECRET", "")),
			MercadoPagoBaseURL:       getenv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
			StripeSecretKey:          strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret:      strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripePrices:             parsePairs(getenv("STRIPE_PRICES", "")),
		},

		Email: EmailConfig{
			Provider:             strings.ToLower(getenv("EMAIL_PROVIDER", "noop")),
			From:                 getenv("EMAIL_FROM", "no-reply@localhost"),
			FromName:             getenv("EMAIL_FROM_NAME", "Entitlements"),
			SMTPHost:             getenv("SMTP_HOST", ""),
			SMTPPort:             getenvInt("SMTP_PORT", 587),
			SMTPUser:             getenv("SMTP_USER", ""),
			SMTPPassword:         getenv("SMTP_PASSWORD", ""),
			PostmarkServerToken:  strings.TrimSpace(getenv("POSTMARK_SERVER_TOKEN", "")),
			PostmarkAccountToken: strings.TrimSpace(getenv("POSTMARK_ACCOUNT_TOKEN", "")),
		},
		SlackHook: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),

		Scheduler: SchedulerConfig{
			ExpiryInterval:    getenvDuration("SCHEDULER_EXPIRY_INTERVAL", time.Hour),
			ReminderInterval:  getenvDuration("SCHEDULER_REMINDER_INTERVAL", 24*time.Hour),
			ReconcileInterval: getenvDuration("SCHEDULER_RECONCILE_INTERVAL", time.Hour),
			EnabledJobs:       parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			UseLock:           getenvBool("SCHEDULER_USE_LOCK", false),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parsePairs reads "key=value,key=value" lists.
func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, item := range parseList(raw) {
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
