package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Pool     PoolConfig
	Retry    RetryConfig
	Provider ProviderConfig
	Notify   NotifyConfig
	Payments PaymentsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// AutoMigrate applies embedded schema migrations at startup.
	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// PoolConfig tunes the credential pool.
type PoolConfig struct {
	// SeedFile is an optional YAML file of credentials upserted at startup.
	SeedFile string

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	HealthConcurrency   int

	AlertDebounce time.Duration
}

type RetryConfig struct {
	Enabled       bool
	Interval      time.Duration
	InitialDelay  time.Duration
	MaxRetryCount int
	BatchSize     int
}

type ProviderConfig struct {
	// BaseURLs maps provider tag to REST base URL,
	// e.g. PROVIDER_BASE_URLS="vapi=https://api.vapi.ai,retell=https://api.retellai.com".
	BaseURLs map[string]string

	// WebhookURL is where migrated phone numbers send inbound events.
	WebhookURL    string
	// WebhookSecret signs the user and credential appended to WebhookURL.
	WebhookSecret string

	Timeout time.Duration
}

type NotifyConfig struct {
	WebhookURL string
}

type PaymentsConfig struct {
	WebhookSecret     string
	RazorpayKeyID     string
	RazorpayKeySecret string
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, fills in variables that are not already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate = optionalBool("DB_AUTO_MIGRATE", true)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Pool.SeedFile = strings.TrimSpace(os.Getenv("POOL_SEED_FILE"))
	c.Pool.HealthCheckInterval = mustDuration("POOL_HEALTH_INTERVAL")
	c.Pool.HealthCheckTimeout = mustDuration("POOL_HEALTH_TIMEOUT")
	c.Pool.AlertDebounce = mustDuration("POOL_ALERT_DEBOUNCE")
	{
		n, err := optionalInt("POOL_HEALTH_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Pool.HealthConcurrency = n
	}

	c.Retry.Enabled = optionalBool("RETRY_SCHEDULER_ENABLED", true)
	c.Retry.Interval = mustDuration("RETRY_INTERVAL")
	c.Retry.InitialDelay = mustDuration("RETRY_INITIAL_DELAY")
	{
		n, err := optionalInt("RETRY_MAX_COUNT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Retry.MaxRetryCount = n
	}
	{
		n, err := optionalInt("RETRY_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Retry.BatchSize = n
	}

	{
		m, err := parseKeyValues(os.Getenv("PROVIDER_BASE_URLS"))
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("PROVIDER_BASE_URLS: %w", err))
		}
		c.Provider.BaseURLs = m
	}
	c.Provider.WebhookURL = strings.TrimSpace(os.Getenv("PROVIDER_WEBHOOK_URL"))
	c.Provider.WebhookSecret = os.Getenv("PROVIDER_WEBHOOK_SECRET")
	c.Provider.Timeout = mustDuration("PROVIDER_TIMEOUT")

	c.Notify.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	c.Payments.WebhookSecret = os.Getenv("PAYMENTS_WEBHOOK_SECRET")
	c.Payments.RazorpayKeyID = strings.TrimSpace(os.Getenv("RAZORPAY_KEY_ID"))
	c.Payments.RazorpayKeySecret = os.Getenv("RAZORPAY_KEY_SECRET")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required settings and fills in defaults. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Pool.HealthCheckInterval <= 0 {
		c.Pool.HealthCheckInterval = 5 * time.Minute
	}
	if c.Pool.HealthCheckTimeout <= 0 {
		c.Pool.HealthCheckTimeout = 15 * time.Second
	}
	if c.Pool.HealthConcurrency <= 0 {
		c.Pool.HealthConcurrency = 8
	}
	if c.Pool.AlertDebounce <= 0 {
		c.Pool.AlertDebounce = 4 * time.Hour
	}

	if c.Retry.Interval <= 0 {
		c.Retry.Interval = time.Hour
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 10 * time.Second
	}
	if c.Retry.MaxRetryCount <= 0 {
		c.Retry.MaxRetryCount = 24
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 100
	}

	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 15 * time.Second
	}
	for tag, u := range c.Provider.BaseURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("PROVIDER_BASE_URLS: %s must be an http(s) url, got %q", tag, u))
		}
	}

	if (c.Payments.RazorpayKeyID == "") != (c.Payments.RazorpayKeySecret == "") {
		errs = append(errs, errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be set together"))
	}
	if c.IsProduction() && c.Payments.WebhookSecret == "" {
		errs = append(errs, errors.New("PAYMENTS_WEBHOOK_SECRET is required in production"))
	}
	if c.IsProduction() && c.Provider.WebhookSecret == "" {
		errs = append(errs, errors.New("PROVIDER_WEBHOOK_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// parseKeyValues parses "a=x,b=y".
func parseKeyValues(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q", part)
		}
		out[k] = v
	}
	return out, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
