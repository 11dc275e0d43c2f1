// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv provides the minimum configuration Load needs to pass
// validation.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BIOSTAR_HOST", "https://biostar.example.com")
	t.Setenv("BIOSTAR_USERNAME", "monitor")
	t.Setenv("BIOSTAR_PASSWORD", "secret")
	// Keep the test hermetic against a config.yaml in the working dir.
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
}

func TestLoad_DefaultsApplied(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Poll.Interval != 2*time.Second {
		t.Errorf("Expected default poll interval 2s, got %v", cfg.Poll.Interval)
	}
	if cfg.Poll.MaxConsecutiveErrors != 5 {
		t.Errorf("Expected default error threshold 5, got %d", cfg.Poll.MaxConsecutiveErrors)
	}
	if cfg.Stream.HeartbeatInterval != 16*time.Second {
		t.Errorf("Expected default heartbeat 16s, got %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.SubscriberBuffer != 256 {
		t.Errorf("Expected default buffer 256, got %d", cfg.Stream.SubscriberBuffer)
	}
	if cfg.Display.Timezone != "America/Mexico_City" {
		t.Errorf("Expected default timezone America/Mexico_City, got %s", cfg.Display.Timezone)
	}
	if cfg.Server.Port != 8017 {
		t.Errorf("Expected default port 8017, got %d", cfg.Server.Port)
	}
	if !cfg.BioStar.TLSVerify {
		t.Error("Expected TLS verification on by default")
	}
	if got := cfg.Server.Addr(); got != "0.0.0.0:8017" {
		t.Errorf("Expected addr 0.0.0.0:8017, got %s", got)
	}
}

func TestLoad_MissingCredentialsFails(t *testing.T) {
	t.Setenv("BIOSTAR_HOST", "")
	t.Setenv("BIOSTAR_USERNAME", "")
	t.Setenv("BIOSTAR_PASSWORD", "")
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("Expected validation failure without credentials")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DISPLAY_TIMEZONE", "UTC")
	t.Setenv("POLL_INTERVAL_MS", "500")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("PER_SUBSCRIBER_BUFFER", "64")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Display.Timezone != "UTC" {
		t.Errorf("Expected timezone UTC, got %s", cfg.Display.Timezone)
	}
	if cfg.Poll.Interval != 500*time.Millisecond {
		t.Errorf("Expected poll interval 500ms, got %v", cfg.Poll.Interval)
	}
	if cfg.Stream.HeartbeatInterval != 5*time.Second {
		t.Errorf("Expected heartbeat 5s, got %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.SubscriberBuffer != 64 {
		t.Errorf("Expected buffer 64, got %d", cfg.Stream.SubscriberBuffer)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoad_CORSOriginsCommaSplit(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Fatalf("Expected 2 origins, got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("Expected trimmed origin, got %q", cfg.Server.CORSOrigins[1])
	}
}

func TestLoad_ConfigFileLayered(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := strings.Join([]string{
		"poll:",
		"  interval: 1s",
		"server:",
		"  port: 8080",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Env still wins over the file.
	t.Setenv("SERVER_PORT", "9001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Interval != time.Second {
		t.Errorf("Expected file-set interval 1s, got %v", cfg.Poll.Interval)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Expected env to override file port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidMillisValueFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL_MS", "fast")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for non-numeric interval")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.BioStar.Host = "https://biostar.example.com"
	cfg.BioStar.Username = "monitor"
	cfg.BioStar.Password = "secret"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid baseline config, got %v", err)
	}

	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected port validation failure")
	}
	cfg.Server.Port = 8017

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected log level validation failure")
	}
	cfg.Logging.Level = "info"

	cfg.Poll.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected poll interval validation failure")
	}
}
