package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "LumaPay"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSubmitInterval = 2 * time.Second
	defaultStuckSLA       = time.Hour
	defaultRetryBase      = time.Second
	defaultRetryMax       = time.Minute
	defaultRetryAttempts  = 5
	defaultWebhookPerMin  = 120
)

// ProviderConfig carries the per-gateway credentials and endpoint.
type ProviderConfig struct {
	Secret  string
	APIKey  string
	BaseURL string
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Provider gateways. A provider with an empty secret is not registered.
	CryptoGate ProviderConfig
	FiatBridge ProviderConfig
	CardRail   ProviderConfig

	// Retry coordinator settings for outbound provider calls.
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxRetries int
	SubmitInterval  time.Duration

	// StuckSLA is how long a payment may sit non-terminal before the
	// reconciliation report flags it.
	StuckSLA time.Duration

	WebhookRatePerMin int

	// AdminTokenHash is the bcrypt hash of the operator bearer token.
	AdminTokenHash string

	// KafkaBrokers enables the Kafka notifier when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration values from the environment and populates a
// Config instance. A .env file, if present, seeds the environment first.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		CryptoGate: ProviderConfig{
			Secret:  os.Getenv("CRYPTOGATE_SECRET"),
			APIKey:  os.Getenv("CRYPTOGATE_API_KEY"),
			BaseURL: getEnv("CRYPTOGATE_BASE_URL", "https://api.cryptogate.example"),
		},
		FiatBridge: ProviderConfig{
			Secret:  os.Getenv("FIATBRIDGE_SECRET"),
			APIKey:  os.Getenv("FIATBRIDGE_API_KEY"),
			BaseURL: getEnv("FIATBRIDGE_BASE_URL", "https://api.fiatbridge.example"),
		},
		CardRail: ProviderConfig{
			Secret:  os.Getenv("CARDRAIL_SECRET"),
			APIKey:  os.Getenv("CARDRAIL_API_KEY"),
			BaseURL: getEnv("CARDRAIL_BASE_URL", "https://api.cardrail.example"),
		},
		RetryBaseDelay:    defaultRetryBase,
		RetryMaxDelay:     defaultRetryMax,
		RetryMaxRetries:   defaultRetryAttempts,
		SubmitInterval:    defaultSubmitInterval,
		StuckSLA:          defaultStuckSLA,
		WebhookRatePerMin: defaultWebhookPerMin,
		AdminTokenHash:    os.Getenv("ADMIN_TOKEN_HASH"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "lumapay.settlements"),
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = durationEnv("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxDelay, err = durationEnv("RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.SubmitInterval, err = durationEnv("SUBMIT_INTERVAL", cfg.SubmitInterval); err != nil {
		return Config{}, err
	}
	if cfg.StuckSLA, err = durationEnv("STUCK_SLA", cfg.StuckSLA); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxRetries, err = intEnv("RETRY_MAX_RETRIES", cfg.RetryMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRatePerMin, err = intEnv("WEBHOOK_RATE_PER_MIN", cfg.WebhookRatePerMin); err != nil {
		return Config{}, err
	}

	// Dev mode may run entirely in memory; everywhere else the backing
	// stores are mandatory.
	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	env := strings.ToLower(c.AppEnv)
	return env == "development" || env == "dev" || env == "local"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
