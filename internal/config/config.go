package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

// numberedKeyPrefix matches SEMSQL_LLM_API_KEY1, SEMSQL_LLM_API_KEY2, ...
const numberedKeyPrefix = "SEMSQL_LLM_API_KEY"

const maxNumberedKeys = 32

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	LLM           LLMConfig
	Audit         AuditConfig
	Archive       ArchiveConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LLMConfig struct {
	BaseURL        string
	Model          string
	Temperature    float64
	APIKeys        []string
	Timeout        time.Duration
	RequestTimeout time.Duration
	KeyCooldown    time.Duration
	MaxAttempts    int
}

type AuditConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ArchiveConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// PipelineConfig holds prompt inputs shared by every request.
type PipelineConfig struct {
	OrgContextFile    string
	AccessControlFile string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SEMSQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SEMSQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	steps := []func() error{
		func() error { return applyString(lookup, "SEMSQL_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SEMSQL_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SEMSQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SEMSQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SEMSQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "SEMSQL_LLM_BASE_URL", &cfg.LLM.BaseURL) },
		func() error { return applyString(lookup, "SEMSQL_LLM_MODEL", &cfg.LLM.Model) },
		func() error { return applyFloat(lookup, "SEMSQL_LLM_TEMPERATURE", &cfg.LLM.Temperature) },
		func() error { return applyDuration(lookup, "SEMSQL_LLM_TIMEOUT", &cfg.LLM.Timeout) },
		func() error { return applyDuration(lookup, "SEMSQL_LLM_REQUEST_TIMEOUT", &cfg.LLM.RequestTimeout) },
		func() error { return applyDuration(lookup, "SEMSQL_LLM_KEY_COOLDOWN", &cfg.LLM.KeyCooldown) },
		func() error { return applyInt(lookup, "SEMSQL_LLM_MAX_ATTEMPTS", &cfg.LLM.MaxAttempts) },
		func() error { return applyKeyList(lookup, "SEMSQL_LLM_API_KEYS", &cfg.LLM.APIKeys) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_DSN", &cfg.Audit.DSN) },
		func() error { return applyInt(lookup, "SEMSQL_AUDIT_MAX_OPEN_CONNS", &cfg.Audit.MaxOpenConns) },
		func() error { return applyInt(lookup, "SEMSQL_AUDIT_MAX_IDLE_CONNS", &cfg.Audit.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SEMSQL_AUDIT_CONN_MAX_IDLE_TIME", &cfg.Audit.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SEMSQL_AUDIT_CONN_MAX_LIFETIME", &cfg.Audit.ConnMaxLifetime)
		},
		func() error { return applyBool(lookup, "SEMSQL_AUDIT_ARCHIVE_ENABLED", &cfg.Archive.Enabled) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_REGION", &cfg.Archive.Region) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_BUCKET", &cfg.Archive.Bucket) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKeyID) },
		func() error {
			return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "SEMSQL_AUDIT_ARCHIVE_USE_SSL", &cfg.Archive.UseSSL) },
		func() error { return applyString(lookup, "SEMSQL_AUDIT_ARCHIVE_PREFIX", &cfg.Archive.Prefix) },
		func() error {
			return applyBool(lookup, "SEMSQL_AUDIT_ARCHIVE_AUTO_CREATE_BUCKET", &cfg.Archive.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "SEMSQL_ORG_CONTEXT_FILE", &cfg.Pipeline.OrgContextFile) },
		func() error {
			return applyString(lookup, "SEMSQL_ACCESS_CONTROL_FILE", &cfg.Pipeline.AccessControlFile)
		},
		func() error { return applyBool(lookup, "SEMSQL_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SEMSQL_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SEMSQL_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SEMSQL_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}
	cfg.LLM.APIKeys = dedupeKeys(append(cfg.LLM.APIKeys, numberedKeys(lookup)...))

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.LLM.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("invalid SEMSQL_LLM_MAX_ATTEMPTS: must be positive")
	}
	if cfg.LLM.KeyCooldown <= 0 {
		return Config{}, fmt.Errorf("invalid SEMSQL_LLM_KEY_COOLDOWN: must be positive")
	}
	return cfg, nil
}

// RequireAPIKeys fails when no LLM credentials are configured. Services that call the LLM
// endpoint check this at startup.
func (c Config) RequireAPIKeys() error {
	if len(c.LLM.APIKeys) == 0 {
		return fmt.Errorf("no llm api keys configured: set SEMSQL_LLM_API_KEYS or %s1..N", numberedKeyPrefix)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "semsql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 3 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.groq.com/openai",
			Model:          "llama-3.3-70b-versatile",
			Temperature:    0,
			Timeout:        60 * time.Second,
			RequestTimeout: 150 * time.Second,
			KeyCooldown:    time.Hour,
			MaxAttempts:    6,
		},
		Audit: AuditConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Archive: ArchiveConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "semsql-audit",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Archive.UseSSL = true
		cfg.Archive.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

// dedupeKeys drops repeated secrets, keeping the first occurrence, so one credential never holds
// two pool slots.
func dedupeKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// numberedKeys returns the non-empty numbered keys in numeric order. Gaps are skipped.
func numberedKeys(lookup LookupFunc) []string {
	var keys []string
	for i := 1; i <= maxNumberedKeys; i++ {
		raw, ok := lookup(numberedKeyPrefix + strconv.Itoa(i))
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		keys = append(keys, strings.TrimSpace(raw))
	}
	return keys
}

func applyKeyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	keys := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		keys = append(keys, part)
	}
	*dst = keys
	return nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
