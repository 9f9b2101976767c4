// Package config implements environment-derived settings and TOML knowledge
// base definition loading for docsync. Database connection parameters come
// from DOCSYNC_* environment variables with sensible defaults; multi-source
// knowledge bases are described in TOML files loaded with LoadKBFile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variable names for database and logging settings.
const (
	EnvDBHost      = "DOCSYNC_DB_HOST"
	EnvDBPort      = "DOCSYNC_DB_PORT"
	EnvDBName      = "DOCSYNC_DB_NAME"
	EnvDBUser      = "DOCSYNC_DB_USER"
	EnvDBPassword  = "DOCSYNC_DB_PASSWORD"
	EnvDBSSLMode   = "DOCSYNC_DB_SSLMODE"
	EnvMinPoolSize = "DOCSYNC_MIN_POOL_SIZE"
	EnvMaxPoolSize = "DOCSYNC_MAX_POOL_SIZE"
	EnvLogLevel    = "DOCSYNC_LOG_LEVEL"
)

// Default connection pool bounds. The catalog is shared by concurrent file
// processors, so the pool must comfortably exceed the worker count.
const (
	defaultMinPoolSize = 10
	defaultMaxPoolSize = 20
)

// Config holds the resolved runtime settings for a docsync invocation.
type Config struct {
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBSSLMode   string
	MinPoolSize int
	MaxPoolSize int
	LogLevel    string
}

// FromEnv reads DOCSYNC_* environment variables and returns a Config with
// defaults applied for anything unset. Returns an error for values that do
// not parse (ports, pool sizes).
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBHost:     envOr(EnvDBHost, "localhost"),
		DBName:     envOr(EnvDBName, "docsync"),
		DBUser:     envOr(EnvDBUser, "docsync"),
		DBPassword: os.Getenv(EnvDBPassword),
		DBSSLMode:  envOr(EnvDBSSLMode, "prefer"),
		LogLevel:   envOr(EnvLogLevel, "info"),
	}

	var err error

	cfg.DBPort, err = envIntOr(EnvDBPort, 5432)
	if err != nil {
		return nil, err
	}

	cfg.MinPoolSize, err = envIntOr(EnvMinPoolSize, defaultMinPoolSize)
	if err != nil {
		return nil, err
	}

	cfg.MaxPoolSize, err = envIntOr(EnvMaxPoolSize, defaultMaxPoolSize)
	if err != nil {
		return nil, err
	}

	if cfg.MinPoolSize > cfg.MaxPoolSize {
		return nil, fmt.Errorf("config: min pool size %d exceeds max pool size %d", cfg.MinPoolSize, cfg.MaxPoolSize)
	}

	return cfg, nil
}

// DSN returns a keyword/value connection string for the pgx driver.
// The password is omitted when empty so trust and peer auth keep working.
func (c *Config) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", c.DBHost),
		fmt.Sprintf("port=%d", c.DBPort),
		fmt.Sprintf("dbname=%s", c.DBName),
		fmt.Sprintf("user=%s", c.DBUser),
	}

	if c.DBPassword != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.DBPassword))
	}

	parts = append(parts, fmt.Sprintf("sslmode=%s", c.DBSSLMode))

	return strings.Join(parts, " ")
}

// envOr returns the value of the environment variable key, or def when unset
// or empty.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

// envIntOr returns the integer value of the environment variable key, or def
// when unset. A set-but-unparseable value is an error rather than a silent
// fallback.
func envIntOr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}

	return n, nil
}
