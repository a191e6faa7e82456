// Package config resolves the engine's typed configuration once at startup
// from environment variables, instead of re-reading os.Getenv on hot paths.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, clamped configuration for one Engine
// instance. Every job sees the same Config value for its lifetime.
type Config struct {
	PerUserConcurrency int
	GlobalConcurrency  int

	InflightTTL time.Duration

	TotalDeadline time.Duration
	SendDeadline  time.Duration

	GenerateRetries int
	DeliveryRetries int
	RetryBackoff    []time.Duration

	SupportedLanguages []string
	DefaultLanguage    string

	// LogPreset mirrors bot_core/logging_setup.py's LOG_PRESET: "verbose"
	// logs at debug level, any other value (default "clean") at info level.
	LogPreset string
	// TimingLogs mirrors bot_core/telemetry.py's ENABLE_TIMING_LOGS.
	TimingLogs bool
}

// DefaultRetryBackoff is the fixed delay schedule from spec §4.6/§6.4.
var DefaultRetryBackoff = []time.Duration{
	0,
	1 * time.Second,
	3 * time.Second,
	7 * time.Second,
	12 * time.Second,
	20 * time.Second,
}

// Default returns production defaults, matching spec §6.4's default column.
func Default() Config {
	return Config{
		PerUserConcurrency: 2,
		GlobalConcurrency:  4,
		InflightTTL:        900 * time.Second,
		TotalDeadline:      120 * time.Second,
		SendDeadline:       60 * time.Second,
		GenerateRetries:    3,
		DeliveryRetries:    3,
		RetryBackoff:       DefaultRetryBackoff,
		SupportedLanguages: []string{"ar", "en", "ku", "ckb"},
		DefaultLanguage:    "ar",
		LogPreset:          "clean",
		TimingLogs:         false,
	}
}

// FromEnv loads Config from the environment, applying spec §6.4's clamps.
// Unset variables fall back to Default()'s values.
func FromEnv() Config {
	cfg := Default()

	cfg.PerUserConcurrency = clampInt(getInt("PER_USER_CONCURRENCY", cfg.PerUserConcurrency), 1, 6)
	cfg.GlobalConcurrency = clampInt(getInt("GLOBAL_CONCURRENCY", cfg.GlobalConcurrency), 1, 30)
	cfg.InflightTTL = getDuration("INFLIGHT_TTL_SECONDS", cfg.InflightTTL)
	cfg.TotalDeadline = clampDuration(getDuration("TOTAL_DEADLINE_SECONDS", cfg.TotalDeadline), 10*time.Second, 300*time.Second)
	cfg.SendDeadline = getDuration("SEND_DEADLINE_SECONDS", cfg.SendDeadline)
	cfg.GenerateRetries = clampInt(getInt("GENERATE_RETRIES", cfg.GenerateRetries), 1, 6)
	cfg.DeliveryRetries = clampInt(getInt("DELIVERY_RETRIES", cfg.DeliveryRetries), 1, 6)

	if raw := os.Getenv("DEFAULT_LANGUAGE"); raw != "" {
		cfg.DefaultLanguage = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw := os.Getenv("LOG_PRESET"); raw != "" {
		cfg.LogPreset = strings.ToLower(strings.TrimSpace(raw))
	}
	cfg.TimingLogs = getBool("ENABLE_TIMING_LOGS", cfg.TimingLogs)

	return cfg
}

// SupportsLanguage reports whether lang is one of the configured codes.
func (c Config) SupportsLanguage(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range c.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func getBool(key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
