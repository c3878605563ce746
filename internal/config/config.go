/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., https://reckless.tv)
	DBBackend   DatabaseBackend
	DBDSN       string

	JWTSigningKey string
	MetricsBind   string

	// Video provider configuration (Mux-compatible REST API)
	VideoAPIURL      string
	VideoTokenID     string
	VideoTokenSecret string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("RECKLESS_ENV", "development"),
		HTTPBind:    getEnv("RECKLESS_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("RECKLESS_HTTP_PORT", 8080),
		BaseURL:     getEnv("RECKLESS_BASE_URL", ""),
		DBBackend:   DatabaseBackend(getEnv("RECKLESS_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("RECKLESS_DB_DSN", ""),

		JWTSigningKey: getEnv("RECKLESS_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("RECKLESS_METRICS_BIND", "127.0.0.1:9000"),

		VideoAPIURL:      getEnv("RECKLESS_VIDEO_API_URL", "https://api.mux.com"),
		VideoTokenID:     getEnv("RECKLESS_VIDEO_TOKEN_ID", ""),
		VideoTokenSecret: getEnv("RECKLESS_VIDEO_TOKEN_SECRET", ""),

		TracingEnabled:    getEnvBool("RECKLESS_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("RECKLESS_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("RECKLESS_TRACING_SAMPLE_RATE", 1.0),

		LeaderElectionEnabled: getEnvBool("RECKLESS_LEADER_ELECTION_ENABLED", false),
		RedisAddr:             getEnv("RECKLESS_REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("RECKLESS_REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("RECKLESS_REDIS_DB", 0),
		InstanceID:            getEnv("RECKLESS_INSTANCE_ID", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("RECKLESS_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("RECKLESS_JWT_SIGNING_KEY must be provided")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.VideoTokenID == "" || cfg.VideoTokenSecret == "" {
			return nil, fmt.Errorf("RECKLESS_VIDEO_TOKEN_ID and RECKLESS_VIDEO_TOKEN_SECRET must be set in production")
		}
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}
