/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Artifact store backend selection.
type StoreBackend string

const (
	StoreFS  StoreBackend = "fs"
	StoreS3  StoreBackend = "s3"
	StoreSSH StoreBackend = "ssh"
)

// Event bus backend selection.
type EventBusBackend string

const (
	EventBusNone  EventBusBackend = "none"
	EventBusRedis EventBusBackend = "redis"
	EventBusNATS  EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
// Per-run experiment parameters live in plan files, not here.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DataDir     string // run logs and scratch frames live under here

	DBBackend DatabaseBackend
	DBDSN     string

	// Artifact store
	Store  StoreBackend
	FSRoot string // fs backend root directory

	// S3/MinIO artifact store
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // for S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // required for MinIO

	// SSH artifact store (remote host reached over scp)
	SSHHost           string
	SSHPort           int
	SSHUser           string
	SSHKeyFile        string
	SSHPassword       string
	SSHRemoteRoot     string
	SSHKnownHostsFile string // empty accepts any host key (logged loudly)

	// Rig hardware
	RigName        string
	ActuatorDriver string  // "sim" or "zaber"
	ZaberAddr      string  // host:port of the Zaber ASCII/TCP bridge
	ZaberScale     float64 // device units per plan position unit
	CameraDriver   string  // "sim" or "exec"
	Cameras        []string
	CaptureCommand string // capture command template; {camera} and {output} are substituted
	CameraMuxCmd   string // optional command run before each capture to select {camera}
	StepTimeout    time.Duration

	// SMTP run reports
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Webhook run reports
	WebhookURLs   []string
	WebhookSecret string

	// Distributed event publishing
	EventBus      EventBusBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// Operator API auth; empty disables auth outside production
	APIAuthKey string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LogBufferSize     int
	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"STAGEHAND_ENV", "LABRIG_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"STAGEHAND_HTTP_BIND", "LABRIG_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"STAGEHAND_HTTP_PORT", "LABRIG_HTTP_PORT"}, 8080),
		DataDir:     getEnvAny([]string{"STAGEHAND_DATA_DIR", "LABRIG_DATA_DIR"}, "./data"),

		DBBackend: DatabaseBackend(getEnvAny([]string{"STAGEHAND_DB_BACKEND", "LABRIG_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"STAGEHAND_DB_DSN", "LABRIG_DB_DSN"}, ""),

		Store:  StoreBackend(getEnvAny([]string{"STAGEHAND_STORE", "LABRIG_STORE"}, string(StoreFS))),
		FSRoot: getEnvAny([]string{"STAGEHAND_FS_ROOT", "LABRIG_FS_ROOT"}, "./data/artifacts"),

		// S3 artifact store
		S3AccessKeyID:     getEnvAny([]string{"STAGEHAND_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"STAGEHAND_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"STAGEHAND_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"STAGEHAND_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"STAGEHAND_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"STAGEHAND_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		// SSH artifact store
		SSHHost:           getEnvAny([]string{"STAGEHAND_SSH_HOST", "LABRIG_SSH_HOST"}, ""),
		SSHPort:           getEnvIntAny([]string{"STAGEHAND_SSH_PORT", "LABRIG_SSH_PORT"}, 22),
		SSHUser:           getEnvAny([]string{"STAGEHAND_SSH_USER", "LABRIG_SSH_USER"}, ""),
		SSHKeyFile:        getEnvAny([]string{"STAGEHAND_SSH_KEY_FILE", "LABRIG_SSH_KEY_FILE"}, ""),
		SSHPassword:       getEnvAny([]string{"STAGEHAND_SSH_PASSWORD", "LABRIG_SSH_PASSWORD"}, ""),
		SSHRemoteRoot:     getEnvAny([]string{"STAGEHAND_SSH_REMOTE_ROOT", "LABRIG_SSH_REMOTE_ROOT"}, ""),
		SSHKnownHostsFile: getEnvAny([]string{"STAGEHAND_SSH_KNOWN_HOSTS", "LABRIG_SSH_KNOWN_HOSTS"}, ""),

		// Rig hardware
		RigName:        getEnvAny([]string{"STAGEHAND_RIG_NAME", "LABRIG_RIG_NAME"}, "rig0"),
		ActuatorDriver: getEnvAny([]string{"STAGEHAND_ACTUATOR", "LABRIG_ACTUATOR"}, "sim"),
		ZaberAddr:      getEnvAny([]string{"STAGEHAND_ZABER_ADDR", "LABRIG_ZABER_ADDR"}, ""),
		ZaberScale:     getEnvFloatAny([]string{"STAGEHAND_ZABER_SCALE", "LABRIG_ZABER_SCALE"}, 1.0),
		CameraDriver:   getEnvAny([]string{"STAGEHAND_CAMERA", "LABRIG_CAMERA"}, "sim"),
		Cameras:        splitList(getEnvAny([]string{"STAGEHAND_CAMERAS", "LABRIG_CAMERAS"}, "a")),
		CaptureCommand: getEnvAny([]string{"STAGEHAND_CAPTURE_CMD", "LABRIG_CAPTURE_CMD"}, "libcamera-still -n -o {output}"),
		CameraMuxCmd:   getEnvAny([]string{"STAGEHAND_CAMERA_MUX_CMD", "LABRIG_CAMERA_MUX_CMD"}, ""),
		StepTimeout:    getEnvDurationAny([]string{"STAGEHAND_STEP_TIMEOUT", "LABRIG_STEP_TIMEOUT"}, 30*time.Second),

		// SMTP run reports
		SMTPHost:     getEnvAny([]string{"STAGEHAND_SMTP_HOST", "SMTP_HOST"}, ""),
		SMTPPort:     getEnvIntAny([]string{"STAGEHAND_SMTP_PORT", "SMTP_PORT"}, 587),
		SMTPUsername: getEnvAny([]string{"STAGEHAND_SMTP_USERNAME", "SMTP_USERNAME"}, ""),
		SMTPPassword: getEnvAny([]string{"STAGEHAND_SMTP_PASSWORD", "SMTP_PASSWORD"}, ""),
		SMTPFrom:     getEnvAny([]string{"STAGEHAND_SMTP_FROM", "SMTP_FROM"}, "noreply@example.com"),
		SMTPFromName: getEnvAny([]string{"STAGEHAND_SMTP_FROM_NAME", "SMTP_FROM_NAME"}, "Stagehand"),

		// Webhook run reports
		WebhookURLs:   splitList(getEnvAny([]string{"STAGEHAND_WEBHOOK_URLS", "LABRIG_WEBHOOK_URLS"}, "")),
		WebhookSecret: getEnvAny([]string{"STAGEHAND_WEBHOOK_SECRET", "LABRIG_WEBHOOK_SECRET"}, ""),

		// Distributed event publishing
		EventBus:      EventBusBackend(getEnvAny([]string{"STAGEHAND_EVENTBUS", "LABRIG_EVENTBUS"}, string(EventBusNone))),
		RedisAddr:     getEnvAny([]string{"STAGEHAND_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"STAGEHAND_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"STAGEHAND_REDIS_DB", "REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"STAGEHAND_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		APIAuthKey: getEnvAny([]string{"STAGEHAND_API_AUTH_KEY", "LABRIG_API_AUTH_KEY"}, ""),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"STAGEHAND_TRACING_ENABLED", "LABRIG_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"STAGEHAND_OTLP_ENDPOINT", "LABRIG_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"STAGEHAND_TRACING_SAMPLE_RATE", "LABRIG_TRACING_SAMPLE_RATE"}, 1.0),

		LogBufferSize: getEnvIntAny([]string{"STAGEHAND_LOG_BUFFER_SIZE", "LABRIG_LOG_BUFFER_SIZE"}, 1000),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		if cfg.DBBackend != DatabaseSQLite {
			return nil, fmt.Errorf("STAGEHAND_DB_DSN must be provided for backend %q", cfg.DBBackend)
		}
		cfg.DBDSN = filepath.Join(cfg.DataDir, "stagehand.db")
	}

	switch cfg.Store {
	case StoreFS:
	case StoreS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("STAGEHAND_S3_BUCKET must be provided when the s3 store is selected")
		}
	case StoreSSH:
		if cfg.SSHHost == "" || cfg.SSHUser == "" || cfg.SSHRemoteRoot == "" {
			return nil, fmt.Errorf("STAGEHAND_SSH_HOST, STAGEHAND_SSH_USER and STAGEHAND_SSH_REMOTE_ROOT must be provided when the ssh store is selected")
		}
	default:
		return nil, fmt.Errorf("unsupported artifact store %q", cfg.Store)
	}

	if cfg.ActuatorDriver == "zaber" && cfg.ZaberAddr == "" {
		return nil, fmt.Errorf("STAGEHAND_ZABER_ADDR must be provided when the zaber actuator is selected")
	}
	if len(cfg.Cameras) == 0 {
		return nil, fmt.Errorf("STAGEHAND_CAMERAS must name at least one camera")
	}
	if cfg.StepTimeout <= 0 {
		return nil, fmt.Errorf("STAGEHAND_STEP_TIMEOUT must be positive")
	}

	switch cfg.EventBus {
	case EventBusNone, EventBusRedis, EventBusNATS:
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.APIAuthKey == "" {
		return nil, fmt.Errorf("STAGEHAND_API_AUTH_KEY must be provided in production")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// RunLogDir returns the directory that holds per-run JSONL tick logs.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// ScratchDir returns the directory frames are staged to before upload.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":     "use STAGEHAND_ENV (or LABRIG_ENV)",
		"STEP_TIMEOUT":    "use STAGEHAND_STEP_TIMEOUT (or LABRIG_STEP_TIMEOUT)",
		"TRACING_ENABLED": "use STAGEHAND_TRACING_ENABLED (or LABRIG_TRACING_ENABLED)",
		"OTLP_ENDPOINT":   "use STAGEHAND_OTLP_ENDPOINT (or LABRIG_OTLP_ENDPOINT)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny returns the first parseable duration environment variable value from keys, or def.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
		}
	}
	return def
}
