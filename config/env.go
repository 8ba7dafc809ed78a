package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DatabaseConfig struct {
	Driver     string
	User       string
	Password   string
	Host       string
	Port       string
	Name       string
	SQLitePath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// MaxConnectAttempts of 0 retries forever (the server path); tools set a bound.
	MaxConnectAttempts int
}

type PubSubConfig struct {
	ProjectID       string
	Topic           string
	CredentialsJSON string
	PushTokenHash   string
}

type NotifyConfig struct {
	Timeout      time.Duration
	LowStockRole string
	PhoneRegion  string

	SendGridAPIKey string
	SendGridFrom   string
	SendGridURL    string

	MailgunAPIKey string
	MailgunDomain string
	MailgunFrom   string
	MailgunURL    string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioURL        string

	WhatsAppToken         string
	WhatsAppPhoneNumberID string
	WhatsAppURL           string
}

type Config struct {
	Env      string
	Port     string
	LogLevel string

	APISecret          string
	CORSAllowedOrigins string

	RateLimitEnabled     bool
	RateLimitMaxRequests int64
	RateLimitWindow      time.Duration

	Database DatabaseConfig
	Redis    string
	PubSub   PubSubConfig
	Notify   NotifyConfig

	StockCASMaxRetries      int
	TransitionMaxRetries    int
	AutomationActionTimeout time.Duration

	ReportBucket  string
	SkipMigration bool
}

// Load reads .env (when present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	redisAddr := os.Getenv("REDIS_ADDRESS")

	return Config{
		Env:                strings.TrimSpace(os.Getenv("GO_ENV")),
		Port:               port,
		LogLevel:           stringFromEnv("LOG_LEVEL", "info"),
		APISecret:          os.Getenv("API_SECRET"),
		CORSAllowedOrigins: strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RateLimitEnabled:     envBoolDefault("RATE_LIMIT_ENABLED", false),
		RateLimitMaxRequests: int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:      time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,

		Database: DatabaseConfig{
			Driver:          strings.ToLower(stringFromEnv("DB_DRIVER", "mysql")),
			User:            os.Getenv("DB_USER"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            os.Getenv("DB_HOST"),
			Port:            stringFromEnv("DB_PORT", "3306"),
			Name:            os.Getenv("DB_NAME"),
			SQLitePath:      stringFromEnv("DB_SQLITE_PATH", "records.db"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		},
		Redis: redisAddr,
		PubSub: PubSubConfig{
			ProjectID:       pubSubProjectID(),
			Topic:           os.Getenv("PUBSUB_TOPIC"),
			CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
			PushTokenHash:   os.Getenv("PUBSUB_PUSH_TOKEN_HASH"),
		},
		Notify: NotifyConfig{
			Timeout:      time.Duration(intFromEnv("NOTIFY_TIMEOUT_SECONDS", 10)) * time.Second,
			LowStockRole: stringFromEnv("LOW_STOCK_NOTIFY_ROLE", "MANAGER"),
			PhoneRegion:  stringFromEnv("PHONE_REGION", "MM"),

			SendGridAPIKey: os.Getenv("SENDGRID_API_KEY"),
			SendGridFrom:   os.Getenv("SENDGRID_FROM"),
			SendGridURL:    stringFromEnv("SENDGRID_URL", "https://api.sendgrid.com/v3/mail/send"),

			MailgunAPIKey: os.Getenv("MAILGUN_API_KEY"),
			MailgunDomain: os.Getenv("MAILGUN_DOMAIN"),
			MailgunFrom:   os.Getenv("MAILGUN_FROM"),
			MailgunURL:    stringFromEnv("MAILGUN_URL", "https://api.mailgun.net/v3"),

			TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
			TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			TwilioFrom:       os.Getenv("TWILIO_FROM"),
			TwilioURL:        stringFromEnv("TWILIO_URL", "https://api.twilio.com/2010-04-01"),

			WhatsAppToken:         os.Getenv("WHATSAPP_TOKEN"),
			WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			WhatsAppURL:           stringFromEnv("WHATSAPP_URL", "https://graph.facebook.com/v19.0"),
		},

		StockCASMaxRetries:      intFromEnv("STOCK_CAS_MAX_RETRIES", 5),
		TransitionMaxRetries:    intFromEnv("TRANSITION_MAX_RETRIES", 3),
		AutomationActionTimeout: time.Duration(intFromEnv("AUTOMATION_ACTION_TIMEOUT_SECONDS", 10)) * time.Second,

		ReportBucket:  os.Getenv("REPORT_BUCKET"),
		SkipMigration: envBoolDefault("SKIP_MIGRATIONS", false),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func pubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
