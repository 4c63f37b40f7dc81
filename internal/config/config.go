// Package config loads server configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         int           `mapstructure:"PORT"`
	MasterSecret string        `mapstructure:"MASTER_SECRET"`
	GinMode      string        `mapstructure:"GIN_MODE"`
	TLSCertFile  string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile   string        `mapstructure:"TLS_KEY_FILE"`
	TokenExpiry  time.Duration `mapstructure:"TOKEN_EXPIRY"`

	// DatabaseURL selects the session store: sqlite://path, postgres://..., or memory://.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	WatchdogTimeout time.Duration `mapstructure:"WATCHDOG_TIMEOUT"`
	TeardownTimeout time.Duration `mapstructure:"TEARDOWN_TIMEOUT"`
	LogRetention    time.Duration `mapstructure:"LOG_RETENTION"`
	PurgeInterval   time.Duration `mapstructure:"PURGE_INTERVAL"`

	DriverBridgeURL     string `mapstructure:"DRIVER_BRIDGE_URL"`
	AutoRestoreSessions bool   `mapstructure:"AUTO_RESTORE_SESSIONS"`

	// AuthAllowRawToken accepts opaque non-JWT bearer tokens as the user id.
	// Only meant for migrating legacy clients.
	AuthAllowRawToken  bool   `mapstructure:"AUTH_ALLOW_RAW_TOKEN"`
	AdminUserIDs       string `mapstructure:"ADMIN_USER_IDS"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present) and the process environment. Env vars override .env.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine
	v.AutomaticEnv()
	return LoadFrom(v)
}

// DatabaseURL resolves only DATABASE_URL, for tools that do not need the
// rest of the server configuration.
func DatabaseURL() string {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()
	setDefaults(v)
	return v.GetString("DATABASE_URL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3000)
	v.SetDefault("MASTER_SECRET", "")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("TLS_CERT_FILE", "")
	v.SetDefault("TLS_KEY_FILE", "")
	v.SetDefault("TOKEN_EXPIRY", 7*24*time.Hour)
	v.SetDefault("DATABASE_URL", "sqlite://data/sessions.db")
	v.SetDefault("WATCHDOG_TIMEOUT", 90*time.Second)
	v.SetDefault("TEARDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("LOG_RETENTION", 30*24*time.Hour)
	v.SetDefault("PURGE_INTERVAL", 6*time.Hour)
	v.SetDefault("DRIVER_BRIDGE_URL", "http://127.0.0.1:3100")
	v.SetDefault("AUTO_RESTORE_SESSIONS", true)
	v.SetDefault("AUTH_ALLOW_RAW_TOKEN", false)
	v.SetDefault("ADMIN_USER_IDS", "")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
}

// LoadFrom builds a Config from an already populated viper instance.
func LoadFrom(v *viper.Viper) (Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, errors.New("invalid PORT")
	}
	if cfg.MasterSecret == "" {
		return Config{}, errors.New("MASTER_SECRET is required")
	}
	if cfg.TokenExpiry <= 0 {
		return Config{}, errors.New("invalid TOKEN_EXPIRY")
	}
	if cfg.WatchdogTimeout <= 0 {
		return Config{}, errors.New("invalid WATCHDOG_TIMEOUT")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, errors.New("invalid TEARDOWN_TIMEOUT")
	}
	if cfg.LogRetention <= 0 {
		return Config{}, errors.New("invalid LOG_RETENTION")
	}
	if cfg.PurgeInterval <= 0 {
		return Config{}, errors.New("invalid PURGE_INTERVAL")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return Config{}, errors.New("invalid RATE_LIMIT_PER_MINUTE")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

// AdminIDs returns the configured admin user ids. Empty means every
// authenticated user may use the admin endpoints.
func (c Config) AdminIDs() []string {
	if c.AdminUserIDs == "" {
		return nil
	}
	parts := strings.Split(c.AdminUserIDs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
