// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/centinela-io/centinela/internal/classify"
)

// DefaultConfigPaths lists where config files are searched, first match
// wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/centinela/config.yaml",
	"/etc/centinela/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. These are
// layered first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		BioStar: BioStarConfig{
			TLSVerify:     true,
			SearchTimeout: 30 * time.Second,
			MetaTimeout:   10 * time.Second,
			RateLimitRPS:  8,
		},
		Display: DisplayConfig{
			Timezone: classify.DefaultTimezone,
		},
		Session: SessionConfig{
			SoftTTL: 5 * time.Minute,
		},
		Poll: PollConfig{
			Interval:             2 * time.Second,
			ErrorBackoffCap:      time.Minute,
			MaxConsecutiveErrors: 5,
			GracePeriod:          10 * time.Second,
			Quiescence:           5 * time.Minute,
			SnapshotWindow:       5 * time.Minute,
			SnapshotLimit:        10,
			NewEventsLimit:       50,
			SeenSetSize:          32,
			TodayRingSize:        500,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 16 * time.Second,
			SubscriberBuffer:  256,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8017,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with layered sources (highest priority wins):
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := normalizeMillisFields(k); err != nil {
		return nil, err
	}
	if err := normalizeSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envAliases maps flat legacy environment variable names to config paths.
// Deployments predating the YAML file use these.
var envAliases = map[string]string{
	"BIOSTAR_HOST":           "biostar.host",
	"BIOSTAR_USER":           "biostar.username",
	"BIOSTAR_USERNAME":       "biostar.username",
	"BIOSTAR_PASSWORD":       "biostar.password",
	"BIOSTAR_TLS_VERIFY":     "biostar.tls_verify",
	"DISPLAY_TIMEZONE":       "display.timezone",
	"POLL_INTERVAL_MS":       "poll.interval_ms",
	"ERROR_BACKOFF_CAP_MS":   "poll.error_backoff_cap_ms",
	"MAX_CONSECUTIVE_ERRORS": "poll.max_consecutive_errors",
	"HEARTBEAT_INTERVAL_MS":  "stream.heartbeat_interval_ms",
	"PER_SUBSCRIBER_BUFFER":  "stream.subscriber_buffer",
	"HTTP_HOST":              "server.host",
	"HTTP_PORT":              "server.port",
	"CORS_ORIGINS":           "server.cors_origins",
	"LOG_LEVEL":              "logging.level",
	"LOG_FORMAT":             "logging.format",
}

// envTransform converts environment variable names to koanf paths:
// BIOSTAR_HOST -> biostar.host, STREAM_SUBSCRIBER_BUFFER ->
// stream.subscriber_buffer. Unrelated variables map to the empty string
// and are dropped.
func envTransform(key string) string {
	if path, ok := envAliases[key]; ok {
		return path
	}

	prefixes := map[string]string{
		"BIOSTAR_": "biostar.",
		"DISPLAY_": "display.",
		"SESSION_": "session.",
		"POLL_":    "poll.",
		"STREAM_":  "stream.",
		"SERVER_":  "server.",
		"LOGGING_": "logging.",
	}
	for prefix, section := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return section + strings.ToLower(strings.TrimPrefix(key, prefix))
		}
	}
	return ""
}

// millisFields maps *_ms override paths to their duration fields. The flat
// env surface expresses intervals in milliseconds; the typed config wants
// durations.
var millisFields = map[string]string{
	"poll.interval_ms":             "poll.interval",
	"poll.error_backoff_cap_ms":    "poll.error_backoff_cap",
	"stream.heartbeat_interval_ms": "stream.heartbeat_interval",
}

func normalizeMillisFields(k *koanf.Koanf) error {
	for src, dst := range millisFields {
		if !k.Exists(src) {
			continue
		}
		raw := strings.TrimSpace(k.String(src))
		if raw == "" {
			continue
		}
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid millisecond value for %s: %q", src, raw)
		}
		if err := k.Set(dst, (time.Duration(ms) * time.Millisecond).String()); err != nil {
			return fmt.Errorf("failed to set %s: %w", dst, err)
		}
		if err := k.Set(src, nil); err != nil {
			return fmt.Errorf("failed to clear %s: %w", src, err)
		}
	}
	return nil
}

// sliceConfigPaths lists fields that accept comma-separated values from
// the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func normalizeSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}
