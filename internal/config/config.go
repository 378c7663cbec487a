// Package config loads fulcrum's runtime tunables from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often a registered service republishes its heartbeat.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultHeartbeatTimeout is the default for Config.HeartbeatTimeout; no heartbeat publish in this module applies that bound.
	DefaultHeartbeatTimeout = 5 * time.Second

	// DefaultRegistrationRetryDelay is the spacing between registration attempts.
	DefaultRegistrationRetryDelay = 5 * time.Second
	// DefaultRegistrationMaxAttempts bounds how many registration attempts are made before giving up.
	DefaultRegistrationMaxAttempts = 5
	// DefaultRegistrationTimeout is the overall deadline across all registration attempts.
	DefaultRegistrationTimeout = 10 * time.Second

	// DefaultDedupTTL is how long a correlation id is remembered to suppress redelivery.
	DefaultDedupTTL = 60 * time.Second
	// DefaultRegistrationDedupTTL is the shorter TTL used for registration-class envelopes.
	DefaultRegistrationDedupTTL = 30 * time.Second

	// DefaultRegistryRecordTTL bounds how long a registry record survives without a heartbeat.
	DefaultRegistryRecordTTL = 120 * time.Second
	// DefaultCrashDetectionTimeout is the heartbeat age past which a service is presumed crashed.
	DefaultCrashDetectionTimeout = 60 * time.Second
	// DefaultRoutingCrashTimeout is the default for Config.RoutingCrashTimeout; the router does not read it and judges freshness by MetricStale.
	DefaultRoutingCrashTimeout = 30 * time.Second
	// DefaultMetricStale bounds how long a cached server metric may be trusted before it is stale.
	DefaultMetricStale = 10 * time.Second

	// DefaultTransport selects the transport adapter backend when unset.
	DefaultTransport = "redis"
	// DefaultRedisAddr is the default Redis endpoint.
	DefaultRedisAddr = "127.0.0.1:6379"

	// DefaultLogLevel controls verbosity for fulcrum logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fulcrum.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultAdminAddr is where the admin HTTP/WebSocket surface listens.
	DefaultAdminAddr = ":8090"

	// DefaultAuditLogDir is where bus/registry error-path events are recorded.
	DefaultAuditLogDir = "storage/audit"
	// DefaultAuditSegmentMaxBytes caps a single audit segment file before rotation.
	DefaultAuditSegmentMaxBytes = 8 << 20
	// DefaultAuditMaxSegments bounds how many audit segments the cleaner retains.
	DefaultAuditMaxSegments = 200
	// DefaultAuditMaxAgeDays bounds how long an audit segment is kept regardless of count.
	DefaultAuditMaxAgeDays = 14

	// DefaultSkewProbeInterval is how often a service pings the registry to sample clock skew.
	DefaultSkewProbeInterval = 30 * time.Second
	// DefaultSkewThreshold is the estimated skew past which a warning is logged.
	DefaultSkewThreshold = 500 * time.Millisecond
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TransportConfig selects and configures the pub/sub + KV backend.
type TransportConfig struct {
	Kind     string // "redis" or "memory"
	Addr     string
	Password string
	DB       int
}

// Config captures all runtime tunables shared by the registry, game servers, and proxies.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RegistrationRetryDelay  time.Duration
	RegistrationMaxAttempts int
	RegistrationTimeout     time.Duration

	DedupTTL             time.Duration
	RegistrationDedupTTL time.Duration

	RegistryRecordTTL     time.Duration
	CrashDetectionTimeout time.Duration
	RoutingCrashTimeout   time.Duration
	MetricStale           time.Duration

	Transport TransportConfig
	Logging   LoggingConfig

	FleetConfigPath string
	SigningKey      string

	AdminAddr  string
	AdminToken string

	AuditLogDir          string
	AuditSegmentMaxBytes int64
	AuditMaxSegments     int
	AuditMaxAgeDays      int

	SkewProbeInterval time.Duration
	SkewThreshold     time.Duration
}

// Load reads the fulcrum configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		HeartbeatInterval:       DefaultHeartbeatInterval,
		HeartbeatTimeout:        DefaultHeartbeatTimeout,
		RegistrationRetryDelay:  DefaultRegistrationRetryDelay,
		RegistrationMaxAttempts: DefaultRegistrationMaxAttempts,
		RegistrationTimeout:     DefaultRegistrationTimeout,
		DedupTTL:                DefaultDedupTTL,
		RegistrationDedupTTL:    DefaultRegistrationDedupTTL,
		RegistryRecordTTL:       DefaultRegistryRecordTTL,
		CrashDetectionTimeout:   DefaultCrashDetectionTimeout,
		RoutingCrashTimeout:     DefaultRoutingCrashTimeout,
		MetricStale:             DefaultMetricStale,
		Transport: TransportConfig{
			Kind: strings.ToLower(getString("FULCRUM_TRANSPORT", DefaultTransport)),
			Addr: getString("FULCRUM_REDIS_ADDR", DefaultRedisAddr),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FULCRUM_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FULCRUM_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		FleetConfigPath: strings.TrimSpace(os.Getenv("FULCRUM_FLEET_CONFIG_PATH")),
		SigningKey:      os.Getenv("FULCRUM_SIGNING_KEY"),
		AdminAddr:       getString("FULCRUM_ADMIN_ADDR", DefaultAdminAddr),
		AdminToken:      strings.TrimSpace(os.Getenv("FULCRUM_ADMIN_TOKEN")),

		AuditLogDir:          getString("FULCRUM_AUDIT_LOG_DIR", DefaultAuditLogDir),
		AuditSegmentMaxBytes: DefaultAuditSegmentMaxBytes,
		AuditMaxSegments:     DefaultAuditMaxSegments,
		AuditMaxAgeDays:      DefaultAuditMaxAgeDays,

		SkewProbeInterval: DefaultSkewProbeInterval,
		SkewThreshold:     DefaultSkewThreshold,
	}

	var problems []string

	cfg.Transport.Password = os.Getenv("FULCRUM_REDIS_PASSWORD")
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_REDIS_DB must be a non-negative integer, got %q", raw))
		} else {
			cfg.Transport.DB = value
		}
	}
	if cfg.Transport.Kind != "redis" && cfg.Transport.Kind != "memory" {
		problems = append(problems, fmt.Sprintf("FULCRUM_TRANSPORT must be %q or %q, got %q", "redis", "memory", cfg.Transport.Kind))
	}

	if raw := strings.TrimSpace(os.Getenv("FULCRUM_HEARTBEAT_INTERVAL_MS")); raw != "" {
		problems = parseMillis(raw, "FULCRUM_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatInterval, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_HEARTBEAT_TIMEOUT_MS")); raw != "" {
		problems = parseMillis(raw, "FULCRUM_HEARTBEAT_TIMEOUT_MS", &cfg.HeartbeatTimeout, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REGISTRATION_RETRY_DELAY_MS")); raw != "" {
		problems = parseMillis(raw, "FULCRUM_REGISTRATION_RETRY_DELAY_MS", &cfg.RegistrationRetryDelay, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REGISTRATION_TIMEOUT_MS")); raw != "" {
		problems = parseMillis(raw, "FULCRUM_REGISTRATION_TIMEOUT_MS", &cfg.RegistrationTimeout, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REGISTRATION_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_REGISTRATION_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.RegistrationMaxAttempts = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_DEDUP_TTL_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_DEDUP_TTL_SECONDS", &cfg.DedupTTL, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REGISTRATION_DEDUP_TTL_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_REGISTRATION_DEDUP_TTL_SECONDS", &cfg.RegistrationDedupTTL, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_REGISTRY_RECORD_TTL_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_REGISTRY_RECORD_TTL_SECONDS", &cfg.RegistryRecordTTL, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_CRASH_DETECTION_TIMEOUT_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_CRASH_DETECTION_TIMEOUT_SECONDS", &cfg.CrashDetectionTimeout, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_METRIC_STALE_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_METRIC_STALE_SECONDS", &cfg.MetricStale, problems)
	}

	if raw := strings.TrimSpace(os.Getenv("FULCRUM_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FULCRUM_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FULCRUM_AUDIT_MAX_SEGMENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_AUDIT_MAX_SEGMENTS must be a positive integer, got %q", raw))
		} else {
			cfg.AuditMaxSegments = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_AUDIT_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FULCRUM_AUDIT_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.AuditMaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FULCRUM_SKEW_PROBE_INTERVAL_SECONDS")); raw != "" {
		problems = parseSeconds(raw, "FULCRUM_SKEW_PROBE_INTERVAL_SECONDS", &cfg.SkewProbeInterval, problems)
	}
	if raw := strings.TrimSpace(os.Getenv("FULCRUM_SKEW_THRESHOLD_MS")); raw != "" {
		problems = parseMillis(raw, "FULCRUM_SKEW_THRESHOLD_MS", &cfg.SkewThreshold, problems)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parseMillis(raw, key string, out *time.Duration, problems []string) []string {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
	}
	*out = time.Duration(value) * time.Millisecond
	return problems
}

func parseSeconds(raw, key string, out *time.Duration, problems []string) []string {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
	}
	*out = time.Duration(value) * time.Second
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
