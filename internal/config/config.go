// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (optional; policy cache and rate limiting)
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Inference sidecars
	EmbeddingServiceURL string        `koanf:"embedding_service_url"`
	LivenessServiceURL  string        `koanf:"liveness_service_url"`
	InferenceTimeout    time.Duration `koanf:"inference_timeout"`

	// Acceptance thresholds
	LivenessThreshold       float64 `koanf:"liveness_threshold"`
	MatchPrimaryThreshold   float64 `koanf:"match_primary_threshold"`
	MatchSecondaryThreshold float64 `koanf:"match_secondary_threshold"`
	CorroborationThreshold  float64 `koanf:"corroboration_threshold"`

	// Attendance periods
	AttendancePeriod   string `koanf:"attendance_period"`   // "day" or a Go duration such as "12h"
	AttendanceTimezone string `koanf:"attendance_timezone"` // IANA name, used for "day"

	// Background work
	AbandonedAttemptAfter time.Duration `koanf:"abandoned_attempt_after"`
	SweepInterval         time.Duration `koanf:"sweep_interval"`
	PolicyCacheTTL        time.Duration `koanf:"policy_cache_ttl"`

	// Verify requests allowed per identity per minute
	VerifyRateLimit int `koanf:"verify_rate_limit"`

	// Browser origins allowed to call the API; empty disables CORS
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Reverse proxies (CIDR or address) whose X-Forwarded-For is believed
	TrustedProxies []string `koanf:"trusted_proxies"`

	// Evidence storage (S3-compatible, optional)
	EvidenceBucket          string `koanf:"evidence_bucket"`
	EvidenceAccessKeyID     string `koanf:"evidence_access_key_id"`
	EvidenceSecretAccessKey string `koanf:"evidence_secret_access_key"`
	EvidenceEndpoint        string `koanf:"evidence_endpoint"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingEmbeddingServiceURL = errors.New("EMBEDDING_SERVICE_URL is required")
	ErrMissingLivenessServiceURL  = errors.New("LIVENESS_SERVICE_URL is required")
	ErrMissingEvidenceBucket      = errors.New("EVIDENCE_BUCKET is required")
	ErrMissingEvidenceAccessKeyID = errors.New("EVIDENCE_ACCESS_KEY_ID is required")
	ErrMissingEvidenceSecret      = errors.New("EVIDENCE_SECRET_ACCESS_KEY is required")
	ErrMissingEvidenceEndpoint    = errors.New("EVIDENCE_ENDPOINT is required")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidNumber              = errors.New("value must be a valid number")
	ErrInvalidDuration            = errors.New("value must be a valid duration")
	ErrInvalidThreshold           = errors.New("threshold out of range")
	ErrThresholdOrder             = errors.New("MATCH_SECONDARY_THRESHOLD must not exceed MATCH_PRIMARY_THRESHOLD")
	ErrInvalidPeriod              = errors.New("ATTENDANCE_PERIOD must be \"day\" or a positive duration")
	ErrInvalidTimezone            = errors.New("ATTENDANCE_TIMEZONE must be a valid IANA timezone")
	ErrInvalidTracingExporter     = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidSampleRate          = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrNonPositiveSetting         = errors.New("setting must be positive")
	ErrInvalidTrustedProxy        = errors.New("TRUSTED_PROXIES entries must be CIDR ranges or IP addresses")
)

// Default values for non-secret configuration.
const (
	DefaultPort                    = 8080
	DefaultEnv                     = "development"
	DefaultInferenceTimeout        = 10 * time.Second
	DefaultLivenessThreshold       = 0.5
	DefaultMatchPrimaryThreshold   = 0.6
	DefaultMatchSecondaryThreshold = 0.3
	DefaultCorroborationThreshold  = 0.7
	DefaultAttendancePeriod        = "day"
	DefaultAttendanceTimezone      = "UTC"
	DefaultAbandonedAttemptAfter   = 5 * time.Minute
	DefaultSweepInterval           = time.Minute
	DefaultPolicyCacheTTL          = 30 * time.Second
	DefaultVerifyRateLimit         = 10
	DefaultTracingExporter         = "otlp-http"
	DefaultTracingSampleRate       = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"PRESENCE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	rateLimit, err := getEnvIntOrDefault("VERIFY_RATE_LIMIT", k.Int("verify_rate_limit"), DefaultVerifyRateLimit)
	collect(err)

	inferenceTimeout, err := getEnvDurationOrDefault("INFERENCE_TIMEOUT", k, "inference_timeout", DefaultInferenceTimeout)
	collect(err)
	abandonAfter, err := getEnvDurationOrDefault("ABANDONED_ATTEMPT_AFTER", k, "abandoned_attempt_after", DefaultAbandonedAttemptAfter)
	collect(err)
	sweepInterval, err := getEnvDurationOrDefault("SWEEP_INTERVAL", k, "sweep_interval", DefaultSweepInterval)
	collect(err)
	cacheTTL, err := getEnvDurationOrDefault("POLICY_CACHE_TTL", k, "policy_cache_ttl", DefaultPolicyCacheTTL)
	collect(err)

	liveness, err := getEnvFloatOrDefault("LIVENESS_THRESHOLD", k, "liveness_threshold", DefaultLivenessThreshold)
	collect(err)
	primary, err := getEnvFloatOrDefault("MATCH_PRIMARY_THRESHOLD", k, "match_primary_threshold", DefaultMatchPrimaryThreshold)
	collect(err)
	secondary, err := getEnvFloatOrDefault("MATCH_SECONDARY_THRESHOLD", k, "match_secondary_threshold", DefaultMatchSecondaryThreshold)
	collect(err)
	corroboration, err := getEnvFloatOrDefault("CORROBORATION_THRESHOLD", k, "corroboration_threshold", DefaultCorroborationThreshold)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	collect(err)

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                    port,
		Env:                     getEnvOrDefaultMulti([]string{"PRESENCE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:             getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:               getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:       getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		EmbeddingServiceURL:     getEnvOrKoanf("EMBEDDING_SERVICE_URL", k, "embedding_service_url"),
		LivenessServiceURL:      getEnvOrKoanf("LIVENESS_SERVICE_URL", k, "liveness_service_url"),
		InferenceTimeout:        inferenceTimeout,
		LivenessThreshold:       liveness,
		MatchPrimaryThreshold:   primary,
		MatchSecondaryThreshold: secondary,
		CorroborationThreshold:  corroboration,
		AttendancePeriod:        getEnvOrDefault("ATTENDANCE_PERIOD", k.String("attendance_period"), DefaultAttendancePeriod),
		AttendanceTimezone:      getEnvOrDefault("ATTENDANCE_TIMEZONE", k.String("attendance_timezone"), DefaultAttendanceTimezone),
		AbandonedAttemptAfter:   abandonAfter,
		SweepInterval:           sweepInterval,
		PolicyCacheTTL:          cacheTTL,
		VerifyRateLimit:         rateLimit,
		CORSAllowedOrigins:      getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		TrustedProxies:          getEnvListOrKoanf("TRUSTED_PROXIES", k, "trusted_proxies"),
		EvidenceBucket:          getEnvOrKoanf("EVIDENCE_BUCKET", k, "evidence_bucket"),
		EvidenceAccessKeyID:     getEnvOrKoanf("EVIDENCE_ACCESS_KEY_ID", k, "evidence_access_key_id"),
		EvidenceSecretAccessKey: getEnvOrKoanf("EVIDENCE_SECRET_ACCESS_KEY", k, "evidence_secret_access_key"),
		EvidenceEndpoint:        getEnvOrKoanf("EVIDENCE_ENDPOINT", k, "evidence_endpoint"),
		TracingEnabled:          getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:         getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:         getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:       sampleRate,
		TracingInsecure:         getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// EvidenceEnabled reports whether evidence archival is configured.
func (c *Config) EvidenceEnabled() bool {
	return c.EvidenceBucket != ""
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBoolOrKoanf parses a boolean flag. Unrecognised env values fall back to the file value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	enabled := k.Bool(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			enabled = true
		case "false", "0", "no", "off":
			enabled = false
		}
	}
	return enabled
}

// getEnvListOrKoanf splits a comma-separated environment variable, or
// returns the file's list. Empty entries are dropped.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: A port value of 0 from a YAML file will fall back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// A file value of 0 is honoured when the key is present, since 0 is a meaningful threshold.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration string from env or file, or returns the default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, ErrInvalidDuration)
	}
	return d, nil
}

// Validate checks that all required configuration values are present and coherent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.EmbeddingServiceURL == "" {
		errs = append(errs, ErrMissingEmbeddingServiceURL)
	}
	if c.LivenessServiceURL == "" {
		errs = append(errs, ErrMissingLivenessServiceURL)
	}

	errs = append(errs, c.validateThresholds()...)

	if err := validatePeriod(c.AttendancePeriod); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.AttendanceTimezone); err != nil {
		errs = append(errs, ErrInvalidTimezone)
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"INFERENCE_TIMEOUT", c.InferenceTimeout},
		{"ABANDONED_ATTEMPT_AFTER", c.AbandonedAttemptAfter},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"POLICY_CACHE_TTL", c.PolicyCacheTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, ErrNonPositiveSetting))
		}
	}
	if c.VerifyRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("VERIFY_RATE_LIMIT: %w", ErrNonPositiveSetting))
	}

	for _, proxy := range c.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("%q: %w", proxy, ErrInvalidTrustedProxy))
		}
	}

	// Evidence storage is optional. Only validate fields if any evidence value is set.
	if c.EvidenceBucket != "" || c.EvidenceAccessKeyID != "" || c.EvidenceSecretAccessKey != "" || c.EvidenceEndpoint != "" {
		if c.EvidenceBucket == "" {
			errs = append(errs, ErrMissingEvidenceBucket)
		}
		if c.EvidenceAccessKeyID == "" {
			errs = append(errs, ErrMissingEvidenceAccessKeyID)
		}
		if c.EvidenceSecretAccessKey == "" {
			errs = append(errs, ErrMissingEvidenceSecret)
		}
		if c.EvidenceEndpoint == "" {
			errs = append(errs, ErrMissingEvidenceEndpoint)
		}
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
	}

	return errs
}

func (c *Config) validateThresholds() []error {
	var errs []error
	check := func(name string, v, lo, hi float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
			errs = append(errs, fmt.Errorf("%s must be within [%g, %g]: %w", name, lo, hi, ErrInvalidThreshold))
		}
	}
	check("LIVENESS_THRESHOLD", c.LivenessThreshold, 0, 1)
	check("CORROBORATION_THRESHOLD", c.CorroborationThreshold, 0, 1)
	check("MATCH_PRIMARY_THRESHOLD", c.MatchPrimaryThreshold, -1, 1)
	check("MATCH_SECONDARY_THRESHOLD", c.MatchSecondaryThreshold, -1, 1)
	if len(errs) == 0 && c.MatchSecondaryThreshold > c.MatchPrimaryThreshold {
		errs = append(errs, ErrThresholdOrder)
	}
	return errs
}

func validatePeriod(spec string) error {
	if spec == "day" {
		return nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil || d <= 0 {
		return ErrInvalidPeriod
	}
	return nil
}

func validProxy(v string) bool {
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       fmt.Sprintf("%d", c.Port),
		"env":                        c.Env,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"jwt_secret":                 maskSecret(c.JWTSecret),
		"jwt_previous_secret":        maskSecret(c.JWTPreviousSecret),
		"embedding_service_url":      c.EmbeddingServiceURL,
		"liveness_service_url":       c.LivenessServiceURL,
		"inference_timeout":          c.InferenceTimeout.String(),
		"liveness_threshold":         fmt.Sprintf("%g", c.LivenessThreshold),
		"match_primary_threshold":    fmt.Sprintf("%g", c.MatchPrimaryThreshold),
		"match_secondary_threshold":  fmt.Sprintf("%g", c.MatchSecondaryThreshold),
		"corroboration_threshold":    fmt.Sprintf("%g", c.CorroborationThreshold),
		"attendance_period":          c.AttendancePeriod,
		"attendance_timezone":        c.AttendanceTimezone,
		"abandoned_attempt_after":    c.AbandonedAttemptAfter.String(),
		"sweep_interval":             c.SweepInterval.String(),
		"policy_cache_ttl":           c.PolicyCacheTTL.String(),
		"verify_rate_limit":          fmt.Sprintf("%d", c.VerifyRateLimit),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"trusted_proxies":            strings.Join(c.TrustedProxies, ","),
		"evidence_bucket":            c.EvidenceBucket,
		"evidence_access_key_id":     maskSecret(c.EvidenceAccessKeyID),
		"evidence_secret_access_key": maskSecret(c.EvidenceSecretAccessKey),
		"evidence_endpoint":          c.EvidenceEndpoint,
		"tracing_enabled":            fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"tracing_endpoint":           c.TracingEndpoint,
		"tracing_sample_rate":        fmt.Sprintf("%g", c.TracingSampleRate),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
