package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chatbank/chatbank/internal/money"
)

const (
	defaultAppName            = "ChatBank"
	defaultAppEnv             = "development"
	defaultPort               = "8080"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultStoreDriver        = "memory"
	defaultShutdownDelay      = 10 * time.Second
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultLockTimeout        = 5 * time.Second
	defaultMaxAmount          = "1000000"
	defaultDisplayName        = "User"
	defaultHistoryLimit       = 20
	defaultMaxHistoryLimit    = 100
	defaultRateLimitPerMinute = 60
	idemTTLSecondsEnvVar      = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar          = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar     = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar    = "SHUTDOWN_TIMEOUT"
	configFileEnvVar          = "CONFIG_FILE"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Config captures application runtime configuration loaded from environment variables,
// optionally layered over a YAML file named by CONFIG_FILE.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	StoreDriver    string
	DatabaseURL    string
	MySQLDSN       string
	RedisURL       string
	AutoMigrate    bool
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LockTimeout    time.Duration

	MaxAmount          money.Money
	DefaultDisplayName string
	HistoryLimit       int
	MaxHistoryLimit    int

	// APIKeyHashes are bcrypt hashes of the keys accepted by the API.
	APIKeyHashes       []string
	RateLimitPerMinute int
}

// fileValues holds the YAML file contents keyed by environment variable name.
type fileValues map[string]string

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	file, err := readFile(os.Getenv(configFileEnvVar))
	if err != nil {
		return Config{}, err
	}
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v := file[key]; v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		AppName:            get("APP_NAME", defaultAppName),
		AppEnv:             get("APP_ENV", defaultAppEnv),
		Port:               get("PORT", defaultPort),
		LogLevel:           strings.ToLower(get("LOG_LEVEL", defaultLogLevel)),
		LogFormat:          strings.ToLower(get("LOG_FORMAT", defaultLogFormat)),
		StoreDriver:        strings.ToLower(get("STORE_DRIVER", defaultStoreDriver)),
		DatabaseURL:        get("DATABASE_URL", ""),
		MySQLDSN:           get("MYSQL_DSN", ""),
		RedisURL:           get("REDIS_URL", ""),
		DefaultDisplayName: get("DEFAULT_DISPLAY_NAME", defaultDisplayName),
	}

	if cfg.ShutdownPeriod, err = durationFrom(get, shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFrom(get, idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = time.ParseDuration(get("LOCK_TIMEOUT", defaultLockTimeout.String())); err != nil {
		return Config{}, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
	}
	if cfg.LockTimeout < time.Millisecond {
		return Config{}, fmt.Errorf("LOCK_TIMEOUT must be at least 1ms")
	}

	if cfg.MaxAmount, err = money.ParseAmount(get("MAX_AMOUNT", defaultMaxAmount)); err != nil {
		return Config{}, fmt.Errorf("invalid MAX_AMOUNT: %w", err)
	}
	if !cfg.MaxAmount.IsPositive() {
		return Config{}, fmt.Errorf("MAX_AMOUNT must be positive")
	}
	if cfg.HistoryLimit, err = intFrom(get, "HISTORY_LIMIT", defaultHistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxHistoryLimit, err = intFrom(get, "MAX_HISTORY_LIMIT", defaultMaxHistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit <= 0 || cfg.MaxHistoryLimit < cfg.HistoryLimit {
		return Config{}, fmt.Errorf("HISTORY_LIMIT must be positive and not exceed MAX_HISTORY_LIMIT")
	}
	if cfg.RateLimitPerMinute, err = intFrom(get, "RATE_LIMIT_PER_MINUTE", defaultRateLimitPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.AutoMigrate, err = strconv.ParseBool(get("AUTO_MIGRATE", "true")); err != nil {
		return Config{}, fmt.Errorf("invalid AUTO_MIGRATE: %w", err)
	}

	for _, h := range strings.Split(get("API_KEY_HASHES", ""), ",") {
		if h = strings.TrimSpace(h); h != "" {
			cfg.APIKeyHashes = append(cfg.APIKeyHashes, h)
		}
	}

	switch cfg.StoreDriver {
	case StoreMemory:
		if !cfg.IsDev() {
			return Config{}, fmt.Errorf("STORE_DRIVER=memory is only allowed in development")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
	case StoreMySQL:
		if cfg.MySQLDSN == "" {
			return Config{}, fmt.Errorf("MYSQL_DSN must be set")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if !cfg.IsDev() {
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if len(cfg.APIKeyHashes) == 0 {
			return Config{}, fmt.Errorf("API_KEY_HASHES must be set")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the app runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func readFile(path string) (fileValues, error) {
	if path == "" {
		return fileValues{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	values := fileValues{}
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch t := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			values[key] = strings.Join(parts, ",")
		default:
			values[key] = fmt.Sprint(t)
		}
	}
	return values, nil
}

func durationFrom(get func(string, string) string, secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := get(secondsKey, ""); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := get(durationKey, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intFrom(get func(string, string) string, key string, fallback int) (int, error) {
	v := get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
