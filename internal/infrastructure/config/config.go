package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/settings"
)

// AppConfig encapsulates all runtime configuration knobs.
type AppConfig struct {
	App         AppSettings
	HTTP        HTTPSettings
	Auth        AuthSettings
	Log         LogSettings
	Storage     StorageSettings
	Database    DatabaseSettings
	Redis       RedisSettings
	Audit       AuditSettings
	Sefin       SefinSettings
	Certificate CertificateSettings
	WooCommerce WooCommerceSettings
	IBGE        IBGESettings
	Scheduler   SchedulerSettings
	NFSe        settings.Settings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type HTTPSettings struct {
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	WriteTimeoutBatch time.Duration // Extended timeout for batch emissions
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

type LogSettings struct {
	Level string
}

// StorageSettings selects the repository implementation. The memory driver
// keeps everything in process and is meant for local development.
type StorageSettings struct {
	Driver string
}

type DatabaseSettings struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisSettings configures the distributed per-order lock. When disabled an
// in-process lock is used, which is only safe with a single replica.
type RedisSettings struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	LockTTL     time.Duration
	LockRetries int
	LockBackoff time.Duration
}

type AuditSettings struct {
	Enabled         bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
	Retention       time.Duration
}

// SefinSettings tunes the client of the national NFS-e API.
type SefinSettings struct {
	BaseURL         string // Overrides the URL derived from the environment
	Timeout         time.Duration
	RateLimitRPS    float64
	Burst           int
	MaxConcurrent   int
	BreakerFailures int
	BreakerCooldown time.Duration
}

type CertificateSettings struct {
	Path            string
	Password        string
	ExpiryWarning   time.Duration
	SignatureMethod string
}

type WooCommerceSettings struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	WebhookSecret  string
	Timeout        time.Duration
}

type IBGESettings struct {
	Enabled bool
	BaseURL string
}

// SchedulerSettings holds cron specs (robfig/cron syntax, descriptors allowed).
type SchedulerSettings struct {
	Enabled          bool
	DrainSpec        string
	AuditCleanupSpec string
	MetricsSpec      string
}

// Load resolves the application configuration from environment variables.
// It first attempts to load variables from a .env file if it exists.
// Environment variables set in the system take precedence over .env file values.
func Load() (AppConfig, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "ms_nfse_emissor"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		HTTP: HTTPSettings{
			Port:              getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			WriteTimeoutBatch: getEnvAsDuration("HTTP_WRITE_TIMEOUT_BATCH", 10*time.Minute),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", true),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health", "/health/ready", "/metrics", "/webhooks/"}),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Storage: StorageSettings{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		},
		Database: DatabaseSettings{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "ms_nfse_emissor"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisSettings{
			Enabled:     getEnvAsBool("REDIS_ENABLED", false),
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 10),
			LockTTL:     getEnvAsDuration("LOCK_TTL", 5*time.Minute),
			LockRetries: getEnvAsInt("LOCK_RETRIES", 0),
			LockBackoff: getEnvAsDuration("LOCK_BACKOFF", 200*time.Millisecond),
		},
		Audit: AuditSettings{
			Enabled:         getEnvAsBool("AUDIT_ENABLED", true),
			LogRequestBody:  getEnvAsBool("AUDIT_LOG_REQUEST_BODY", true),
			LogResponseBody: getEnvAsBool("AUDIT_LOG_RESPONSE_BODY", true),
			MaxBodySize:     getEnvAsInt("AUDIT_MAX_BODY_SIZE", 102400),
			Retention:       getEnvAsDuration("AUDIT_RETENTION", 90*24*time.Hour),
		},
		Sefin: SefinSettings{
			BaseURL:         strings.TrimSpace(os.Getenv("SEFIN_BASE_URL")),
			Timeout:         getEnvAsDuration("SEFIN_TIMEOUT", 60*time.Second),
			RateLimitRPS:    getEnvAsFloat("SEFIN_RATE_LIMIT_RPS", 5),
			Burst:           getEnvAsInt("SEFIN_RATE_LIMIT_BURST", 2),
			MaxConcurrent:   getEnvAsInt("SEFIN_MAX_CONCURRENT", 4),
			BreakerFailures: getEnvAsInt("SEFIN_BREAKER_FAILURES", 5),
			BreakerCooldown: getEnvAsDuration("SEFIN_BREAKER_COOLDOWN", 30*time.Second),
		},
		Certificate: CertificateSettings{
			Path:            strings.TrimSpace(os.Getenv("CERTIFICATE_PATH")),
			Password:        os.Getenv("CERTIFICATE_PASSWORD"),
			ExpiryWarning:   getEnvAsDuration("CERTIFICATE_EXPIRY_WARNING", 30*24*time.Hour),
			SignatureMethod: getEnv("SIGNATURE_METHOD", "rsa-sha256"),
		},
		WooCommerce: WooCommerceSettings{
			BaseURL:        strings.TrimSpace(os.Getenv("WC_BASE_URL")),
			ConsumerKey:    strings.TrimSpace(os.Getenv("WC_CONSUMER_KEY")),
			ConsumerSecret: strings.TrimSpace(os.Getenv("WC_CONSUMER_SECRET")),
			WebhookSecret:  os.Getenv("WC_WEBHOOK_SECRET"),
			Timeout:        getEnvAsDuration("WC_TIMEOUT", 20*time.Second),
		},
		IBGE: IBGESettings{
			Enabled: getEnvAsBool("IBGE_LOOKUP_ENABLED", true),
			BaseURL: strings.TrimSpace(os.Getenv("IBGE_BASE_URL")),
		},
		Scheduler: SchedulerSettings{
			Enabled:          getEnvAsBool("SCHEDULER_ENABLED", true),
			DrainSpec:        getEnv("SCHEDULER_DRAIN_SPEC", "@every 1m"),
			AuditCleanupSpec: getEnv("SCHEDULER_AUDIT_CLEANUP_SPEC", "@daily"),
			MetricsSpec:      getEnv("SCHEDULER_METRICS_SPEC", "@every 5m"),
		},
	}

	nfse, err := loadNFSe(cfg.App.Version)
	if err != nil {
		return cfg, err
	}
	cfg.NFSe = nfse

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg AppConfig) validate() error {
	if cfg.Storage.Driver != "postgres" && cfg.Storage.Driver != "memory" {
		return fmt.Errorf("invalid config: STORAGE_DRIVER must be 'postgres' or 'memory', got %q", cfg.Storage.Driver)
	}
	if cfg.Sefin.RateLimitRPS <= 0 {
		return errors.New("invalid config: SEFIN_RATE_LIMIT_RPS must be greater than 0")
	}
	if cfg.Sefin.MaxConcurrent <= 0 || cfg.Sefin.MaxConcurrent > 50 {
		return errors.New("invalid config: SEFIN_MAX_CONCURRENT must be between 1 and 50")
	}
	if cfg.Certificate.Path == "" {
		return errors.New("invalid config: CERTIFICATE_PATH is required")
	}
	if m := cfg.Certificate.SignatureMethod; m != "rsa-sha256" && m != "rsa-sha1" {
		return fmt.Errorf("invalid config: SIGNATURE_METHOD must be 'rsa-sha256' or 'rsa-sha1', got %q", m)
	}
	if cfg.WooCommerce.BaseURL == "" {
		return errors.New("invalid config: WC_BASE_URL is required")
	}
	if cfg.WooCommerce.ConsumerKey == "" || cfg.WooCommerce.ConsumerSecret == "" {
		return errors.New("invalid config: WC_CONSUMER_KEY and WC_CONSUMER_SECRET are required")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.IssuerURI == "" {
			return errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if cfg.Auth.JWKSetURI == "" {
			return errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}

	if err := cfg.NFSe.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadNFSe reads the issuer, tax, automation and queue policy.
func loadNFSe(appVersion string) (settings.Settings, error) {
	env := settings.Environment(strings.ToLower(getEnv("NFSE_ENVIRONMENT", string(settings.EnvironmentHomologation))))
	if env == "1" || env == "2" {
		env, _ = settings.EnvironmentFromCode(string(env))
	}

	issRate, err := getEnvAsDecimal("TAX_ISS_RATE", decimal.NewFromInt(2))
	if err != nil {
		return settings.Settings{}, err
	}
	minimum, err := getEnvAsDecimal("AUTOMATION_MINIMUM_TOTAL", decimal.Zero)
	if err != nil {
		return settings.Settings{}, err
	}
	days, err := parseWeekdays(getEnv("BUSINESS_HOURS_DAYS", "mon,tue,wed,thu,fri"))
	if err != nil {
		return settings.Settings{}, err
	}

	return settings.Settings{
		Environment: env,
		AppVersion:  getEnv("NFSE_APP_VERSION", "ms_nfse_emissor-"+appVersion),
		Issuer: settings.Issuer{
			CNPJ:                  onlyDigits(os.Getenv("ISSUER_CNPJ")),
			MunicipalRegistration: strings.TrimSpace(os.Getenv("ISSUER_MUNICIPAL_REGISTRATION")),
			Name:                  strings.TrimSpace(os.Getenv("ISSUER_NAME")),
			MunicipalityCode:      onlyDigits(os.Getenv("ISSUER_MUNICIPALITY_CODE")),
			Series:                getEnv("DPS_SERIES", "1"),
			Phone:                 onlyDigits(os.Getenv("ISSUER_PHONE")),
			Email:                 strings.TrimSpace(os.Getenv("ISSUER_EMAIL")),
			SimplesNacional:       getEnvAsInt("ISSUER_SIMPLES_NACIONAL", 1),
			SpecialRegime:         getEnvAsInt("ISSUER_SPECIAL_REGIME", 0),
		},
		Tax: settings.Tax{
			ISSRate:                 issRate,
			ServiceCode:             onlyDigits(os.Getenv("TAX_SERVICE_CODE")),
			NBSCode:                 onlyDigits(os.Getenv("TAX_NBS_CODE")),
			ServiceDescription:      strings.TrimSpace(os.Getenv("TAX_SERVICE_DESCRIPTION")),
			WithholdISS:             getEnvAsBool("TAX_WITHHOLD_ISS", false),
			DeductionsEnabled:       getEnvAsBool("TAX_DEDUCTIONS_ENABLED", false),
			ServiceMunicipalityCode: onlyDigits(os.Getenv("TAX_SERVICE_MUNICIPALITY_CODE")),
		},
		Automation: settings.Automation{
			Enabled:                getEnvAsBool("AUTOMATION_ENABLED", true),
			AllowedStatuses:        getEnvAsCSV("AUTOMATION_ALLOWED_STATUSES", []string{"processing", "completed"}),
			TriggerStatuses:        getEnvAsCSV("AUTOMATION_TRIGGER_STATUSES", []string{"processing", "completed"}),
			MinimumTotal:           minimum,
			ExcludedPaymentMethods: getEnvAsCSV("AUTOMATION_EXCLUDED_PAYMENT_METHODS", nil),
			CustomerType:           getEnv("AUTOMATION_CUSTOMER_TYPE", settings.CustomerTypeAll),
			Delay:                  getEnvAsDuration("AUTOMATION_DELAY", 0),
			Priority:               getEnvAsInt("AUTOMATION_PRIORITY", 5),
			BusinessHours: settings.BusinessHours{
				Enabled:  getEnvAsBool("BUSINESS_HOURS_ENABLED", false),
				Timezone: getEnv("BUSINESS_HOURS_TIMEZONE", "America/Sao_Paulo"),
				Days:     days,
				Start:    getEnv("BUSINESS_HOURS_START", "08:00"),
				End:      getEnv("BUSINESS_HOURS_END", "18:00"),
			},
		},
		Queue: settings.Queue{
			MaxRetries:     getEnvAsInt("QUEUE_MAX_RETRIES", 3),
			BatchSize:      getEnvAsInt("QUEUE_BATCH_SIZE", 10),
			ItemTimeout:    getEnvAsDuration("QUEUE_ITEM_TIMEOUT", 2*time.Minute),
			StuckThreshold: getEnvAsDuration("QUEUE_STUCK_THRESHOLD", 10*time.Minute),
			Retention:      getEnvAsDuration("QUEUE_RETENTION", 30*24*time.Hour),
			AutoRetry:      getEnvAsBool("QUEUE_AUTO_RETRY", true),
			HealthWindow:   getEnvAsDuration("QUEUE_HEALTH_WINDOW", 24*time.Hour),
		},
	}, nil
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "dom": time.Sunday,
	"mon": time.Monday, "seg": time.Monday,
	"tue": time.Tuesday, "ter": time.Tuesday,
	"wed": time.Wednesday, "qua": time.Wednesday,
	"thu": time.Thursday, "qui": time.Thursday,
	"fri": time.Friday, "sex": time.Friday,
	"sat": time.Saturday, "sab": time.Saturday,
}

// parseWeekdays accepts English or Portuguese three-letter names, or 0-6
// with Sunday as 0.
func parseWeekdays(raw string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n >= 0 && n <= 6 {
			days = append(days, time.Weekday(n))
			continue
		}
		if len(part) > 3 {
			part = part[:3]
		}
		d, ok := weekdays[part]
		if !ok {
			return nil, fmt.Errorf("invalid config: BUSINESS_HOURS_DAYS has unknown day %q", part)
		}
		days = append(days, d)
	}
	return days, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsDecimal fails loudly: a silently ignored tax rate would be emitted
// on every document.
func getEnvAsDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	parsed, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(value), ",", "."))
	if err != nil {
		return fallback, fmt.Errorf("invalid config: %s must be a decimal number: %w", key, err)
	}
	return parsed, nil
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
