// Package config loads server configuration from an optional YAML file
// and environment variables, via koanf.
//
// Environment variables (prefix STRATA_, double underscore nests, e.g.
// STRATA_POLL__INTERVAL maps to poll.interval):
//   - STRATA_DATABASE__URL: PostgreSQL connection string (required).
//   - STRATA_SERVER__HTTP_ADDR / STRATA_SERVER__GRPC_ADDR: listen addresses.
//   - STRATA_POLL__INTERVAL / STRATA_POLL__BATCH_SIZE / STRATA_POLL__MAX_RETRIES:
//     Change-Log Poller tuning.
//   - STRATA_SUBSCRIBER__QUEUE_DEPTH / STRATA_SUBSCRIBER__MAX_SUBSCRIBERS:
//     Subscriber Fan-out tuning.
//   - STRATA_LOG__LEVEL: slog level name.
//   - STRATA_ADMIN__HOSTNAME / STRATA_ADMIN__SESSION_SECRET / STRATA_ADMIN__TS_AUTH_KEY /
//     STRATA_ADMIN__TS_STATE_DIR: writer portal and its Tailscale listener.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the runtime configuration for the strata server.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Server     ServerConfig     `koanf:"server"`
	Poll       PollConfig       `koanf:"poll"`
	Subscriber SubscriberConfig `koanf:"subscriber"`
	Log        LogConfig        `koanf:"log"`
	Admin      AdminConfig      `koanf:"admin"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// ServerConfig holds the transport listen addresses.
type ServerConfig struct {
	HTTPAddr        string `koanf:"http_addr"`
	GRPCAddr        string `koanf:"grpc_addr"`
	MaxJSONBodySize int64  `koanf:"max_json_body_size"`
}

// PollConfig tunes the Change-Log Poller.
type PollConfig struct {
	Interval   string `koanf:"interval"`
	BatchSize  int    `koanf:"batch_size"`
	MaxRetries int    `koanf:"max_retries"`
}

// IntervalDuration parses Interval, defaulting to 1s if unset or invalid.
func (p PollConfig) IntervalDuration() time.Duration {
	if d, err := time.ParseDuration(p.Interval); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// SubscriberConfig tunes the Subscriber Fan-out.
type SubscriberConfig struct {
	QueueDepth     int `koanf:"queue_depth"`
	MaxSubscribers int `koanf:"max_subscribers"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `koanf:"level"`
}

// AdminConfig controls the writer portal's auth and its Tailscale listener.
type AdminConfig struct {
	Hostname      string `koanf:"hostname"`
	SessionSecret string `koanf:"session_secret"`
	RateLimit     int    `koanf:"rate_limit"`
	TSAuthKey     string `koanf:"ts_auth_key"`
	TSStateDir    string `koanf:"ts_state_dir"`
}

// Load reads configuration from an optional YAML file at configPath (empty
// skips the file) and from STRATA_-prefixed environment variables,
// applying defaults first. It returns an error if the database URL is
// missing or the admin portal is only partially configured.
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"server.http_addr":           ":8080",
		"server.grpc_addr":           ":9090",
		"server.max_json_body_size":  int64(1 << 20),
		"poll.interval":              "1s",
		"poll.batch_size":            1000,
		"poll.max_retries":           3,
		"subscriber.queue_depth":     64,
		"subscriber.max_subscribers": 10000,
		"log.level":                  "info",
		"admin.rate_limit":           10,
		"admin.ts_state_dir":         "./ts-state",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return Config{}, fmt.Errorf("set default %q: %w", key, err)
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("STRATA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STRATA_")), "__", ".", -1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Database.URL) == "" {
		return Config{}, errors.New("database.url is required (STRATA_DATABASE__URL)")
	}

	if cfg.Admin.Hostname != "" && len(cfg.Admin.SessionSecret) < 32 {
		return Config{}, errors.New("admin.session_secret must be at least 32 characters when admin.hostname is set")
	}
	if cfg.Admin.Hostname != "" && cfg.Admin.TSAuthKey == "" {
		return Config{}, errors.New("admin.ts_auth_key is required when admin.hostname is set")
	}

	if cfg.Poll.BatchSize < 1 {
		return Config{}, errors.New("poll.batch_size must be > 0")
	}
	if cfg.Subscriber.QueueDepth < 1 {
		return Config{}, errors.New("subscriber.queue_depth must be > 0")
	}

	return cfg, nil
}
