package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides recognized by the loader.
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
)

// Defaults applied when the config file omits values.
const (
	defaultDSN               = "keeper.db"
	defaultPort              = 8318
	defaultJWTExpiry         = 30 * 24 * time.Hour
	defaultSchedulerInterval = time.Minute
	defaultAdminRateLimit    = 120
)

// JWTConfig holds JWT secret and expiry settings for the admin API.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig holds the optional Redis backend for admin API rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// KeeperConfig holds keeper-specific behaviour knobs.
type KeeperConfig struct {
	// SchedulerInterval is the tick period for the orchestration loop.
	SchedulerInterval time.Duration `yaml:"scheduler-interval"`
	// RequireKnownProvider rejects credential registration and generic
	// discovery matches that target providers absent from the registry.
	// When false (default) a provider bucket is auto-created instead.
	RequireKnownProvider bool `yaml:"require-known-provider"`
	// DisableDiscovery turns off the auto-discovery passes entirely.
	DisableDiscovery bool `yaml:"disable-discovery"`
	// ExtraEnvFiles lists additional .env-style paths to scan.
	ExtraEnvFiles []string `yaml:"extra-env-files"`
}

// AdminConfig holds admin login settings for the HTTP surface.
type AdminConfig struct {
	// PasswordHash is a bcrypt hash of the admin password.
	PasswordHash string `yaml:"password-hash"`
	// RateLimitPerMinute caps admin API calls per client per minute.
	RateLimitPerMinute int `yaml:"rate-limit-per-minute"`
}

// Config is the resolved application configuration.
type Config struct {
	DatabaseDSN string       `yaml:"database-dsn"`
	Port        int          `yaml:"port"`
	JWT         JWTConfig    `yaml:"jwt"`
	Redis       RedisConfig  `yaml:"redis"`
	Keeper      KeeperConfig `yaml:"keeper"`
	Admin       AdminConfig  `yaml:"admin"`
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file and applies environment overrides and
// defaults. A missing file yields a default config rather than an error.
func Load(configPath string) (Config, error) {
	cfg := Config{}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			cfg.JWT.Expiry = expiry
		}
	}

	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		cfg.DatabaseDSN = defaultDSN
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = defaultJWTExpiry
	}
	if cfg.Keeper.SchedulerInterval <= 0 {
		cfg.Keeper.SchedulerInterval = defaultSchedulerInterval
	}
	if cfg.Admin.RateLimitPerMinute <= 0 {
		cfg.Admin.RateLimitPerMinute = defaultAdminRateLimit
	}
	return cfg, nil
}
