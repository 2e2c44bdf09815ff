// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads service configuration from the environment and
// seed escalation rules from YAML files. Environment variables may be
// referenced inside YAML using ${VAR_NAME} or ${VAR_NAME:-default}.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the escalation daemon needs at startup.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPPort  int
	JWTSecret string

	// CORSOrigins lists allowed browser origins, comma separated in the
	// environment.
	CORSOrigins []string

	SMTPHost string
	SMTPPort int
	SMTPFrom string
	SMTPUser string
	SMTPPass string

	// LoadBalanceRouting enables queue-depth penalties in agent routing.
	LoadBalanceRouting bool

	// SeedRulesPath points at a YAML file of escalation rules applied at
	// startup. Empty disables seeding.
	SeedRulesPath string

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults where
// a variable is unset. Only the database URL is mandatory.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            envInt("REDIS_DB", 0),
		HTTPPort:           envInt("HTTP_PORT", 8085),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		SMTPHost:           os.Getenv("SMTP_HOST"),
		SMTPPort:           envInt("SMTP_PORT", 587),
		SMTPFrom:           os.Getenv("SMTP_FROM"),
		SMTPUser:           os.Getenv("SMTP_USER"),
		SMTPPass:           os.Getenv("SMTP_PASSWORD"),
		LoadBalanceRouting: envBool("ROUTER_LOAD_BALANCE", true),
		SeedRulesPath:      os.Getenv("SEED_RULES_PATH"),
		ShutdownTimeout:    time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, trimmed)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envVarRegex matches ${VAR_NAME} and $VAR_NAME references.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars substitutes environment variable references, honoring
// ${VAR_NAME:-default} syntax. Undefined variables become empty strings.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
