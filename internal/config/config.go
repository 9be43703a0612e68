// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all workspace server configuration.
type Config struct {
	// Server
	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Object store ("s3" or "local", default: "s3")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Key layout
	TemplatePrefix  string
	WorkspacePrefix string
	Languages       []string

	// Provisioning
	CopyConcurrency int
	ListPageSize    int32

	// Sessions
	WorkspaceRoot  string
	TerminalShell  string
	MaxContentSize int64

	// Workspace records (optional, in-memory when empty)
	DatabaseURL string

	// Auth (optional, tokens are not checked when empty)
	JWTSecret string

	// Rate limiting of workspace creation, per client
	CreateRequestsPerMin int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":3001"),
		MetricsAddr:          envOr("METRICS_ADDR", ":9090"),
		AllowedOrigins:       envList("ALLOWED_ORIGINS", nil),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		StorageBackend:       envOr("STORAGE_BACKEND", "s3"),
		LocalStoragePath:     envOr("LOCAL_STORAGE_PATH", "/data/objects"),
		S3Endpoint:           envOr("S3_ENDPOINT", ""),
		S3Bucket:             envOr("S3_BUCKET", ""),
		S3AccessKey:          envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:          envOr("S3_SECRET_KEY", ""),
		S3Region:             envOr("S3_REGION", "us-east-1"),
		S3UseSSL:             envBool("S3_USE_SSL", true),
		TemplatePrefix:       envOr("TEMPLATE_PREFIX", "templates/"),
		WorkspacePrefix:      envOr("WORKSPACE_PREFIX", "workspaces/"),
		Languages:            envList("LANGUAGES", []string{"node-js", "python"}),
		CopyConcurrency:      envInt("COPY_CONCURRENCY", 16),
		ListPageSize:         int32(envInt("LIST_PAGE_SIZE", 1000)),
		WorkspaceRoot:        envOr("WORKSPACE_ROOT", "/workspaces"),
		TerminalShell:        envOr("TERMINAL_SHELL", "/bin/bash"),
		MaxContentSize:       envInt64("MAX_CONTENT_SIZE", 10*1024*1024), // 10MB default
		DatabaseURL:          envOr("DATABASE_URL", ""),
		JWTSecret:            envOr("JWT_SECRET", ""),
		CreateRequestsPerMin: envInt("CREATE_REQUESTS_PER_MIN", 0), // 0 = unlimited
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required")
		}
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.CopyConcurrency < 1 {
		return fmt.Errorf("COPY_CONCURRENCY must be at least 1")
	}
	// S3 caps a listing page at 1000 keys
	if c.ListPageSize < 1 || c.ListPageSize > 1000 {
		return fmt.Errorf("LIST_PAGE_SIZE must be between 1 and 1000")
	}
	if !strings.HasSuffix(c.TemplatePrefix, "/") || !strings.HasSuffix(c.WorkspacePrefix, "/") {
		return fmt.Errorf("TEMPLATE_PREFIX and WORKSPACE_PREFIX must end with /")
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("LANGUAGES must name at least one template")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
