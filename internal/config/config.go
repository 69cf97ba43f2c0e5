package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App         AppConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Logger      LoggerConfig
	Auth        AuthConfig
	Store       StoreConfig
	RateLimit   RateLimitConfig
	Diagnostics DiagnosticsConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr selects the
// in-process durable backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// Identity provider modes.
const (
	ProviderLocal  = "local"
	ProviderRemote = "remote"
)

// AuthConfig defines identity provider parameters.
type AuthConfig struct {
	Provider              string
	ProviderURL           string
	ProviderAPIKey        string
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
	AutoApprove           bool
	RefreshInterval       time.Duration
	// SessionKey is the shared slot holding the provider session.
	SessionKey string
}

// StoreConfig configures the persisted state store.
type StoreConfig struct {
	Namespace      string
	TTL            time.Duration
	StaleAfter     time.Duration
	DebounceWindow time.Duration
	HookVisible    bool
	HookFocus      bool
	HookHidden     bool
}

// RateLimitPolicy is one configurable quota.
type RateLimitPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitConfig holds the per-operation quotas.
type RateLimitConfig struct {
	Login  RateLimitPolicy
	Signup RateLimitPolicy
	API    RateLimitPolicy
	Upload RateLimitPolicy

	// SweepInterval is how often idle limiter keys are dropped.
	SweepInterval time.Duration
}

// DiagnosticsConfig configures error capture and retry policy.
type DiagnosticsConfig struct {
	Capacity  int
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "session-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "127.0.0.1"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			Provider:              strings.ToLower(getEnv("AUTH_PROVIDER", ProviderLocal)),
			ProviderURL:           os.Getenv("AUTH_PROVIDER_URL"),
			ProviderAPIKey:        os.Getenv("AUTH_PROVIDER_API_KEY"),
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
			AutoApprove:           getEnvAsBool("AUTH_AUTO_APPROVE", true),
			RefreshInterval:       getEnvAsDuration("AUTH_REFRESH_INTERVAL", 30*time.Minute),
			SessionKey:            getEnv("AUTH_SESSION_KEY", "auth:provider_session"),
		},
		Store: StoreConfig{
			Namespace:      getEnv("STORE_NAMESPACE", "app"),
			TTL:            getEnvAsDuration("STORE_TTL", 24*time.Hour),
			StaleAfter:     getEnvAsDuration("STORE_STALE_AFTER", 30*time.Minute),
			DebounceWindow: getEnvAsDuration("STORE_DEBOUNCE", 300*time.Millisecond),
			HookVisible:    getEnvAsBool("STORE_HOOK_VISIBLE", true),
			HookFocus:      getEnvAsBool("STORE_HOOK_FOCUS", true),
			HookHidden:     getEnvAsBool("STORE_HOOK_HIDDEN", true),
		},
		RateLimit: RateLimitConfig{
			Login:         getEnvAsPolicy("RATE_LIMIT_LOGIN", 5, 60*time.Second),
			Signup:        getEnvAsPolicy("RATE_LIMIT_SIGNUP", 5, 60*time.Second),
			API:           getEnvAsPolicy("RATE_LIMIT_API", 100, 60*time.Second),
			Upload:        getEnvAsPolicy("RATE_LIMIT_UPLOAD", 10, 300*time.Second),
			SweepInterval: getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
		},
		Diagnostics: DiagnosticsConfig{
			Capacity:  getEnvAsInt("DIAGNOSTICS_CAPACITY", 100),
			RetryBase: getEnvAsDuration("DIAGNOSTICS_RETRY_BASE", time.Second),
			RetryMax:  getEnvAsDuration("DIAGNOSTICS_RETRY_MAX", 30*time.Second),
		},
	}

	if cfg.Auth.Provider != ProviderLocal && cfg.Auth.Provider != ProviderRemote {
		return nil, fmt.Errorf("invalid AUTH_PROVIDER %q", cfg.Auth.Provider)
	}
	if cfg.Auth.Provider == ProviderRemote && cfg.Auth.ProviderURL == "" {
		return nil, fmt.Errorf("AUTH_PROVIDER_URL is required for the remote provider")
	}
	if strings.HasPrefix(cfg.Auth.SessionKey, cfg.Store.Namespace+":") {
		return nil, fmt.Errorf("AUTH_SESSION_KEY must live outside the %q state namespace", cfg.Store.Namespace)
	}
	if cfg.App.IsProduction() && cfg.Auth.Provider == ProviderLocal && cfg.Auth.JWTSecret == "dev-secret" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET must be set in production")
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// IsProduction reports whether detail stripping and generic messages apply.
func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(a.Env, "production")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvAsPolicy reads <prefix>_MAX and <prefix>_WINDOW.
func getEnvAsPolicy(prefix string, max int, window time.Duration) RateLimitPolicy {
	return RateLimitPolicy{
		MaxRequests: getEnvAsInt(prefix+"_MAX", max),
		Window:      getEnvAsDuration(prefix+"_WINDOW", window),
	}
}
