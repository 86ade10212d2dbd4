package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Processor hosts used when no explicit override is configured.
const (
	LiveAPIURL      = "https://api.gmpays.com/api/"
	TestAPIURL      = "https://api.pay.gmpays.com/api/"
	LiveCheckoutURL = "https://checkout.gmpays.com"
	TestCheckoutURL = "https://checkout.pay.gmpays.com"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string `validate:"required"`
	Port               string
	DatabaseURL        string `validate:"required"`
	RedisURL           string `validate:"required"`
	PublicBaseURL      string `validate:"required,url"`
	CORSAllowedOrigins []string

	GMPays GMPays

	FXRatesKey string

	SweepInterval     time.Duration `validate:"gt=0"`
	SweepMinAge       time.Duration
	SweepBatch        int `validate:"gt=0"`
	SweepAbandonAfter time.Duration
	SweepLockTTL      time.Duration
	PollMaxRetry      int

	AdminUsername     string
	AdminPasswordHash string
	AdminJWTSecret    string `validate:"required,min=16"`
	AdminTokenTTL     time.Duration
	AdminNonceTTL     time.Duration

	WebhookReplayTTL time.Duration
	WebhookMaxBody   int64 `validate:"gt=0"`
	RateLimitPublic  string
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
}

// GMPays groups the processor settings exposed on the configuration surface.
type GMPays struct {
	ProjectID string
	APIKey    string
	// AuthMethod selects exactly one signing scheme: hmac, hmac-md5 or rsa.
	AuthMethod        string `validate:"oneof=hmac hmac-md5 rsa"`
	HMACSecret        string
	HMACSecretFile    string
	RSAPrivateKey     string
	RSAPrivateKeyFile string
	RSAPublicKey      string
	RSAPublicKeyFile  string
	KeyRefresh        time.Duration
	TestMode          bool
	BaseURL           string        `validate:"omitempty,url"`
	CheckoutURL       string        `validate:"omitempty,url"`
	Timeout           time.Duration `validate:"gt=0"`
	MaxRedirects      int           `validate:"gte=0"`
	BreakerMinCalls   int
	BreakerFailRatio  float64 `validate:"gte=0,lte=1"`
	BreakerOpenFor    time.Duration
	MinAmountEUR      decimal.Decimal
	StoreCurrency     string `validate:"len=3"`
	StoreName         string
	Debug             bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	minAmount, err := parseDecimal(k.String("GMPAYS_MIN_AMOUNT_EUR"), "5.00")
	if err != nil {
		return nil, fmt.Errorf("GMPAYS_MIN_AMOUNT_EUR: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		GMPays: GMPays{
			ProjectID:         strings.TrimSpace(k.String("GMPAYS_PROJECT_ID")),
			APIKey:            strings.TrimSpace(k.String("GMPAYS_API_KEY")),
			AuthMethod:        strings.ToLower(valueOrDefault(k.String("GMPAYS_AUTH_METHOD"), "hmac")),
			HMACSecret:        k.String("GMPAYS_HMAC_SECRET"),
			HMACSecretFile:    strings.TrimSpace(k.String("GMPAYS_HMAC_SECRET_FILE")),
			RSAPrivateKey:     k.String("GMPAYS_RSA_PRIVATE_KEY"),
			RSAPrivateKeyFile: strings.TrimSpace(k.String("GMPAYS_RSA_PRIVATE_KEY_FILE")),
			RSAPublicKey:      k.String("GMPAYS_RSA_PUBLIC_KEY"),
			RSAPublicKeyFile:  strings.TrimSpace(k.String("GMPAYS_RSA_PUBLIC_KEY_FILE")),
			KeyRefresh:        parseDuration(k.String("GMPAYS_KEY_REFRESH"), "1m"),
			TestMode:          parseBool(k.String("GMPAYS_TEST_MODE")),
			BaseURL:           strings.TrimSpace(k.String("GMPAYS_BASE_URL")),
			CheckoutURL:       strings.TrimSpace(k.String("GMPAYS_CHECKOUT_URL")),
			Timeout:           parseDuration(k.String("GMPAYS_TIMEOUT"), "30s"),
			MaxRedirects:      parseInt(k.String("GMPAYS_MAX_REDIRECTS"), 5),
			BreakerMinCalls:   parseInt(k.String("GMPAYS_BREAKER_MIN_CALLS"), 10),
			BreakerFailRatio:  parseFloat(k.String("GMPAYS_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:    parseDuration(k.String("GMPAYS_BREAKER_OPEN_FOR"), "30s"),
			MinAmountEUR:      minAmount,
			StoreCurrency:     strings.ToUpper(valueOrDefault(k.String("GMPAYS_STORE_CURRENCY"), "EUR")),
			StoreName:         valueOrDefault(k.String("GMPAYS_STORE_NAME"), "Toko"),
			Debug:             parseBool(k.String("GMPAYS_DEBUG")),
		},
		FXRatesKey:        valueOrDefault(k.String("FX_RATES_KEY"), "fx:rates"),
		SweepInterval:     parseDuration(k.String("SWEEP_INTERVAL"), "1h"),
		SweepMinAge:       parseDuration(k.String("SWEEP_MIN_AGE"), "15m"),
		SweepBatch:        parseInt(k.String("SWEEP_BATCH"), 100),
		SweepAbandonAfter: parseDuration(k.String("SWEEP_ABANDON_AFTER"), "48h"),
		SweepLockTTL:      parseDuration(k.String("SWEEP_LOCK_TTL"), "10m"),
		PollMaxRetry:      parseInt(k.String("POLL_MAX_RETRY"), 3),
		AdminUsername:     valueOrDefault(k.String("ADMIN_USERNAME"), "admin"),
		AdminPasswordHash: strings.TrimSpace(k.String("ADMIN_PASSWORD_HASH")),
		AdminJWTSecret:    k.String("ADMIN_JWT_SECRET"),
		AdminTokenTTL:     parseDuration(k.String("ADMIN_TOKEN_TTL"), "15m"),
		AdminNonceTTL:     parseDuration(k.String("ADMIN_NONCE_TTL"), "10m"),
		WebhookReplayTTL:  parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookMaxBody:    int64(parseInt(k.String("WEBHOOK_MAX_BODY"), 1<<20)),
		RateLimitPublic:   valueOrDefault(k.String("RATE_LIMIT_PUBLIC"), "120-M"),
		LockTTL:           parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("PUBLIC_BASE_URL is required")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// APIURL returns the processor API base, honouring test mode and overrides.
func (g GMPays) APIURL() string {
	if g.BaseURL != "" {
		return ensureTrailingSlash(g.BaseURL)
	}
	if g.TestMode {
		return TestAPIURL
	}
	return LiveAPIURL
}

// HostedCheckoutURL returns the hosted payment page host.
func (g GMPays) HostedCheckoutURL() string {
	if g.CheckoutURL != "" {
		return strings.TrimRight(g.CheckoutURL, "/")
	}
	if g.TestMode {
		return TestCheckoutURL
	}
	return LiveCheckoutURL
}

// ReadSecret resolves an inline value or, when a path is given, the file
// contents. Files win so a mounted secret can be rotated in place.
func ReadSecret(inline, path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return strings.TrimSpace(inline), nil
}

func ensureTrailingSlash(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int) int {
	var out int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &out); err != nil {
		return fallback
	}
	return out
}

func parseFloat(value string, fallback float64) float64 {
	out, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return out
}

func parseDecimal(value, fallback string) (decimal.Decimal, error) {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := decimal.NewFromString(base)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
