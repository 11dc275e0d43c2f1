// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package config loads and validates Centinela configuration with layered
// sources (defaults, optional YAML file, environment variables). An
// invalid configuration is fatal: the core refuses to start.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete runtime configuration.
type Config struct {
	BioStar BioStarConfig `koanf:"biostar"`
	Display DisplayConfig `koanf:"display"`
	Session SessionConfig `koanf:"session"`
	Poll    PollConfig    `koanf:"poll"`
	Stream  StreamConfig  `koanf:"stream"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// BioStarConfig holds appliance connection settings.
type BioStarConfig struct {
	Host          string        `koanf:"host" validate:"required"`
	Username      string        `koanf:"username" validate:"required"`
	Password      string        `koanf:"password" validate:"required"`
	TLSVerify     bool          `koanf:"tls_verify"`
	SearchTimeout time.Duration `koanf:"search_timeout" validate:"gt=0"`
	MetaTimeout   time.Duration `koanf:"meta_timeout" validate:"gt=0"`
	RateLimitRPS  float64       `koanf:"rate_limit_rps" validate:"gt=0"`
}

// DisplayConfig holds presentation settings applied at the fan-out
// boundary.
type DisplayConfig struct {
	Timezone string `koanf:"timezone" validate:"required"`
}

// SessionConfig tunes the session keeper.
type SessionConfig struct {
	SoftTTL time.Duration `koanf:"soft_ttl" validate:"gt=0"`
}

// PollConfig tunes the device pollers.
type PollConfig struct {
	Interval             time.Duration `koanf:"interval" validate:"gt=0"`
	ErrorBackoffCap      time.Duration `koanf:"error_backoff_cap" validate:"gt=0"`
	MaxConsecutiveErrors int           `koanf:"max_consecutive_errors" validate:"gte=1"`
	GracePeriod          time.Duration `koanf:"grace_period" validate:"gt=0"`
	Quiescence           time.Duration `koanf:"quiescence" validate:"gt=0"`
	SnapshotWindow       time.Duration `koanf:"snapshot_window" validate:"gt=0"`
	SnapshotLimit        int           `koanf:"snapshot_limit" validate:"gte=1"`
	NewEventsLimit       int           `koanf:"new_events_limit" validate:"gte=1,lte=2000"`
	SeenSetSize          int           `koanf:"seen_set_size" validate:"gte=1"`
	TodayRingSize        int           `koanf:"today_ring_size" validate:"gte=1"`
}

// StreamConfig tunes the subscription fan-out.
type StreamConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	SubscriberBuffer  int           `koanf:"subscriber_buffer" validate:"gte=16"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Addr returns the listener address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks the configuration. Returned errors name the offending
// fields for operator-facing diagnostics.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			return fmt.Errorf("invalid configuration: %s", describeFieldErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint // validator returns this concrete type
	if ok {
		*target = verrs
	}
	return ok
}

func describeFieldErrors(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
	}
	return msg
}
