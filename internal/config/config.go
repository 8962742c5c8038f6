// Package config provides the environment-backed configuration loader used by
// the service bootstrap (cmd/rules-service/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime config values read at startup.
type Config struct {
	ListenAddr     string        // LISTEN_ADDR (default :8080)
	DatabaseURL    string        // DATABASE_URL (empty selects the in-memory store)
	CacheTTL       time.Duration // RULE_CACHE_TTL (default 5m)
	DefaultCountry string        // DEFAULT_COUNTRY (default GB)
	RulesDir       string        // RULES_DIR (optional rule definition files)

	AuditBuffer        int    // AUDIT_BUFFER (default 1024)
	AuditRetentionDays int    // AUDIT_RETENTION_DAYS (0 disables the sweep)
	AuditSweepSchedule string // AUDIT_SWEEP_SCHEDULE (cron, default 03:00 daily)
	ArchiveBucket      string // ARCHIVE_BUCKET (empty disables S3 archival)
	ArchivePrefix      string // ARCHIVE_PREFIX

	KafkaBrokers []string // KAFKA_BROKERS (comma-separated; empty disables broadcast)
	KafkaTopic   string   // KAFKA_TOPIC (default rules.cache.invalidate)

	JWTSecret string // JWT_SECRET (empty trusts the upstream gateway)

	LogLevel string // LOG_LEVEL (default info)
}

// LoadFromEnv reads config values from environment variables and returns a
// Config pointer. Malformed numeric or duration values fall back to defaults.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DefaultCountry:     os.Getenv("DEFAULT_COUNTRY"),
		RulesDir:           os.Getenv("RULES_DIR"),
		AuditSweepSchedule: os.Getenv("AUDIT_SWEEP_SCHEDULE"),
		ArchiveBucket:      os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("ARCHIVE_PREFIX"),
		KafkaTopic:         os.Getenv("KAFKA_TOPIC"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
	}

	// sensible defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "GB"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "rules.cache.invalidate"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.CacheTTL = 5 * time.Minute
	if v := os.Getenv("RULE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}

	cfg.AuditBuffer = 1024
	if v := os.Getenv("AUDIT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AuditBuffer = n
		}
	}
	if v := os.Getenv("AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AuditRetentionDays = n
		}
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	return cfg
}
