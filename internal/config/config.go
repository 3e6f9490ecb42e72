package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/victorivanov/haos/internal/permissions"
)

// EnvPrefix prefixes every environment override, e.g. HAOS_DATABASE_URL.
const EnvPrefix = "HAOS_"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Auth        AuthConfig        `koanf:"auth"`
	Log         LogConfig         `koanf:"log"`
	MinIO       MinIOConfig       `koanf:"minio"`
	Bulk        BulkConfig        `koanf:"bulk"`
	Permissions PermissionsConfig `koanf:"permissions"`
	Gateway     GatewayConfig     `koanf:"gateway"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConns       int    `koanf:"max_conns"`
	MigrationsPath string `koanf:"migrations_path"`
}

// RedisConfig is optional. An empty URL disables rate limiting and the
// cross-process commit lock.
type RedisConfig struct {
	URL string `koanf:"url"`
}

type AuthConfig struct {
	JWTSecret    string        `koanf:"jwt_secret"`
	AccessExpiry time.Duration `koanf:"access_expiry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MinIOConfig is optional. An empty endpoint disables commit receipts.
type MinIOConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Secure    bool   `koanf:"secure"`
}

type BulkConfig struct {
	SessionTTL    time.Duration `koanf:"session_ttl"`
	CommitLockTTL time.Duration `koanf:"commit_lock_ttl"`
}

// PermissionsConfig lists the permission names whose gain or loss is
// flagged in previews. Empty keeps the built-in set.
type PermissionsConfig struct {
	Dangerous []string `koanf:"dangerous"`
}

// GatewayConfig lists the browser origins allowed to open the WebSocket
// gateway. Empty allows every origin.
type GatewayConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Origins flattens AllowedOrigins, splitting comma separated entries.
func (g GatewayConfig) Origins() []string {
	var out []string
	for _, entry := range g.AllowedOrigins {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

// Load reads defaults, then each YAML file that exists, then HAOS_*
// environment variables. The first underscore after the prefix separates
// section from key, so HAOS_DATABASE_MAX_CONNS sets database.max_conns.
func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.addr":              ":8080",
		"database.max_conns":       25,
		"database.migrations_path": "migrations",
		"auth.access_expiry":       "15m",
		"log.level":                "info",
		"log.format":               "json",
		"minio.bucket":             "haos-receipts",
		"bulk.session_ttl":         "15m",
		"bulk.commit_lock_ttl":     "30s",
	}, "."), nil)

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate reports every missing or malformed setting the server needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.MinIO.Endpoint != "" && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		errs = append(errs, errors.New("minio.access_key and minio.secret_key are required with minio.endpoint"))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy builds the significance policy from Permissions.Dangerous. Entries
// may themselves be comma separated, as they are when set from the
// environment.
func (c *Config) Policy() (permissions.Policy, error) {
	var names []string
	for _, entry := range c.Permissions.Dangerous {
		names = append(names, strings.Split(entry, ",")...)
	}
	p, err := permissions.PolicyFromNames(names)
	if err != nil {
		return permissions.Policy{}, fmt.Errorf("permissions.dangerous: %w", err)
	}
	return p, nil
}
