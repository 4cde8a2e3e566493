// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalQueueURL selects filesystem-backed queue mode instead of SQS.
const LocalQueueURL = "local"

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions     = 64
	maxPortRangeSize   = 1000
	maxDevToolsWaitMs  = 10 * 60 * 1000
	maxQueueBatch      = 10 // SQS hard limit per receive
	maxQueueWaitSec    = 20 // SQS long-poll ceiling
	maxCallbackTimeout = 120 * time.Second
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup and is
// never mutated after Validate().
type Config struct {
	// Queue settings
	QueueRequestURL  string
	QueueResponseURL string
	AWSRegion        string // empty = derive from the queue URL host
	QueueBatchMax    int
	QueueWaitTimeSec int
	QueueVisibility  time.Duration
	LocalWorkdir     string // request/status files for local queue mode

	// Admission and TTL settings
	MaxSessions   int
	DefaultTTLMin int
	HardTTLMin    int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Port registry
	PortStart int
	PortEnd   int
	ListenIP  string // external interface the launcher forwards to

	// Chrome launch
	UseCustomLauncher bool
	LauncherCmd       string
	ChromePath        string // explicit binary; empty = search well-known paths
	DevToolsWaitMs    int

	// Host-level helper commands (opaque argv contracts)
	CleanupPortCmd     string
	CleanupSessionCmd  string
	CleanupProfilesCmd string

	// Profile janitor
	ProfileRoot            string
	ProfileReuseEnabled    bool
	ProfileMaxAgeHours     int
	ProfileCleanupInterval time.Duration

	// Callback
	CallbackEnabled bool
	CallbackURL     string
	CallbackTimeout time.Duration

	// Observability
	LogLevel          string
	LogPath           string // empty = console only
	StatusLogInterval time.Duration
	MetricsEnabled    bool
	MetricsPort       int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Queue
		QueueRequestURL:  getEnvString("QUEUE_REQUEST_URL", ""),
		QueueResponseURL: getEnvString("QUEUE_RESPONSE_URL", ""),
		AWSRegion:        getEnvString("AWS_REGION", ""),
		QueueBatchMax:    getEnvInt("QUEUE_BATCH_MAX", 4),
		QueueWaitTimeSec: getEnvInt("QUEUE_WAIT_TIME_SEC", 20),
		QueueVisibility:  time.Duration(getEnvInt("QUEUE_VISIBILITY_SEC", 120)) * time.Second,
		LocalWorkdir:     getEnvString("LOCAL_WORKDIR", "."),

		// Admission and TTLs
		MaxSessions:   getEnvInt("MAX_SESSIONS", 5),
		DefaultTTLMin: getEnvInt("DEFAULT_TTL_MIN", 30),
		HardTTLMin:    getEnvInt("HARD_TTL_MIN", 120),
		IdleTimeout:   time.Duration(getEnvInt("IDLE_TIMEOUT_SEC", 600)) * time.Second,
		SweepInterval: time.Duration(getEnvInt("SWEEP_INTERVAL_SEC", 20)) * time.Second,

		// Ports
		PortStart: getEnvInt("PORT_START", 9222),
		PortEnd:   getEnvInt("PORT_END", 9272),
		ListenIP:  getEnvString("LISTEN_IP", "0.0.0.0"),

		// Launch
		UseCustomLauncher: getEnvBool("USE_CUSTOM_LAUNCHER", false),
		LauncherCmd:       getEnvString("LAUNCHER_CMD", ""),
		ChromePath:        getEnvString("CHROME_PATH", ""),
		DevToolsWaitMs:    getEnvInt("DEVTOOLS_WAIT_MS", 90000),

		// Helper commands
		CleanupPortCmd:     getEnvString("CLEANUP_PORT_CMD", ""),
		CleanupSessionCmd:  getEnvString("CLEANUP_SESSION_CMD", ""),
		CleanupProfilesCmd: getEnvString("CLEANUP_PROFILES_CMD", ""),

		// Profiles
		ProfileRoot:            getEnvString("PROFILE_ROOT", defaultProfileRoot()),
		ProfileReuseEnabled:    getEnvBool("PROFILE_REUSE_ENABLED", true),
		ProfileMaxAgeHours:     getEnvInt("PROFILE_MAX_AGE_HOURS", 24),
		ProfileCleanupInterval: time.Duration(getEnvInt("PROFILE_CLEANUP_INTERVAL_SEC", 3600)) * time.Second,

		// Callback
		CallbackEnabled: getEnvBool("CALLBACK_ENABLED", false),
		CallbackURL:     getEnvString("CALLBACK_URL", ""),
		CallbackTimeout: time.Duration(getEnvInt("CALLBACK_TIMEOUT_SEC", 10)) * time.Second,

		// Observability
		LogLevel:          getEnvString("LOG_LEVEL", "info"),
		LogPath:           getEnvString("LOG_PATH", ""),
		StatusLogInterval: time.Duration(getEnvInt("STATUS_LOG_INTERVAL_SEC", 60)) * time.Second,
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", false),
		MetricsPort:       getEnvInt("METRICS_PORT", 9090),
	}
}

// LocalMode reports whether the worker reads requests from the local
// filesystem instead of a remote queue.
func (c *Config) LocalMode() bool {
	return c.QueueRequestURL == LocalQueueURL
}

// DefaultTTL returns the soft session TTL applied when a request omits
// ttl_minutes.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMin) * time.Minute
}

// HardTTL returns the absolute session lifetime cap.
func (c *Config) HardTTL() time.Duration {
	return time.Duration(c.HardTTLMin) * time.Minute
}

// DevToolsWait returns the overall readiness-probe deadline.
func (c *Config) DevToolsWait() time.Duration {
	return time.Duration(c.DevToolsWaitMs) * time.Millisecond
}

// PortCount returns the size of the configured debug-port range.
func (c *Config) PortCount() int {
	return c.PortEnd - c.PortStart + 1
}

// Validate checks configuration values. Recoverable problems are
// corrected to sensible defaults with a warning; genuinely fatal
// misconfiguration returns an error and the process exits 1.
func (c *Config) Validate() error {
	// Fatal: the worker cannot run without a request source.
	if c.QueueRequestURL == "" {
		return fmt.Errorf("QUEUE_REQUEST_URL is required (set to %q for filesystem mode)", LocalQueueURL)
	}
	if !c.LocalMode() && !strings.HasPrefix(c.QueueRequestURL, "https://") && !strings.HasPrefix(c.QueueRequestURL, "http://") {
		return fmt.Errorf("QUEUE_REQUEST_URL must be an http(s) queue URL or %q, got %q", LocalQueueURL, c.QueueRequestURL)
	}

	// Fatal: an inverted or out-of-range port window means no session
	// can ever be admitted.
	if c.PortStart < 1024 || c.PortStart > 65535 {
		return fmt.Errorf("PORT_START %d outside valid range [1024, 65535]", c.PortStart)
	}
	if c.PortEnd < c.PortStart || c.PortEnd > 65535 {
		return fmt.Errorf("PORT_END %d must be in [PORT_START=%d, 65535]", c.PortEnd, c.PortStart)
	}
	if c.PortCount() > maxPortRangeSize {
		return fmt.Errorf("port range too large (%d ports, maximum %d)", c.PortCount(), maxPortRangeSize)
	}

	// Fatal: custom launcher selected but no command to run.
	if c.UseCustomLauncher && c.LauncherCmd == "" {
		return fmt.Errorf("USE_CUSTOM_LAUNCHER is true but LAUNCHER_CMD is empty")
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 5")
		c.MaxSessions = 5
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}
	if c.MaxSessions > c.PortCount() {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("ports", c.PortCount()).
			Msg("Max sessions exceeds port range size, capping to port count")
		c.MaxSessions = c.PortCount()
	}

	// TTL ordering: the soft default must never exceed the hard cap.
	if c.HardTTLMin < 1 {
		log.Warn().Int("min", c.HardTTLMin).Msg("Invalid hard TTL, using 120 minutes")
		c.HardTTLMin = 120
	}
	if c.DefaultTTLMin < 1 {
		log.Warn().Int("min", c.DefaultTTLMin).Msg("Invalid default TTL, using 30 minutes")
		c.DefaultTTLMin = 30
	}
	if c.DefaultTTLMin > c.HardTTLMin {
		log.Warn().
			Int("default", c.DefaultTTLMin).
			Int("hard", c.HardTTLMin).
			Msg("Default TTL exceeds hard TTL, clamping to hard TTL")
		c.DefaultTTLMin = c.HardTTLMin
	}

	if c.IdleTimeout < 10*time.Second {
		log.Warn().Dur("timeout", c.IdleTimeout).Msg("Idle timeout too short, using 10s minimum")
		c.IdleTimeout = 10 * time.Second
	}
	if c.SweepInterval < 5*time.Second {
		log.Warn().Dur("interval", c.SweepInterval).Msg("Sweep interval too short, using 5s minimum")
		c.SweepInterval = 5 * time.Second
	}

	if c.DevToolsWaitMs < 1000 {
		log.Warn().Int("ms", c.DevToolsWaitMs).Msg("DevTools wait too short, using 90000ms")
		c.DevToolsWaitMs = 90000
	} else if c.DevToolsWaitMs > maxDevToolsWaitMs {
		log.Warn().
			Int("ms", c.DevToolsWaitMs).
			Int("max", maxDevToolsWaitMs).
			Msg("DevTools wait too long, capping to maximum")
		c.DevToolsWaitMs = maxDevToolsWaitMs
	}

	// Queue tuning within SQS protocol limits.
	if c.QueueBatchMax < 1 {
		log.Warn().Int("batch", c.QueueBatchMax).Msg("Invalid queue batch size, using 4")
		c.QueueBatchMax = 4
	} else if c.QueueBatchMax > maxQueueBatch {
		log.Warn().Int("batch", c.QueueBatchMax).Msg("Queue batch size exceeds SQS limit, capping to 10")
		c.QueueBatchMax = maxQueueBatch
	}
	if c.QueueWaitTimeSec < 0 {
		log.Warn().Int("sec", c.QueueWaitTimeSec).Msg("Invalid queue wait time, using 20s")
		c.QueueWaitTimeSec = 20
	} else if c.QueueWaitTimeSec > maxQueueWaitSec {
		log.Warn().Int("sec", c.QueueWaitTimeSec).Msg("Queue wait time exceeds SQS limit, capping to 20s")
		c.QueueWaitTimeSec = maxQueueWaitSec
	}

	// Visibility must cover the launch budget or messages redeliver
	// mid-launch to another worker.
	minVisibility := c.DevToolsWait() + 5*time.Second
	if c.QueueVisibility < minVisibility {
		log.Warn().
			Dur("visibility", c.QueueVisibility).
			Dur("min", minVisibility).
			Msg("Queue visibility shorter than launch budget, raising")
		c.QueueVisibility = minVisibility
	}

	if c.CallbackEnabled && c.CallbackURL == "" {
		log.Warn().Msg("CALLBACK_ENABLED is true but CALLBACK_URL is empty, disabling callback")
		c.CallbackEnabled = false
	}
	if c.CallbackTimeout < time.Second {
		log.Warn().Dur("timeout", c.CallbackTimeout).Msg("Callback timeout too short, using 10s")
		c.CallbackTimeout = 10 * time.Second
	} else if c.CallbackTimeout > maxCallbackTimeout {
		log.Warn().
			Dur("timeout", c.CallbackTimeout).
			Dur("max", maxCallbackTimeout).
			Msg("Callback timeout too long, capping to maximum")
		c.CallbackTimeout = maxCallbackTimeout
	}

	if c.ProfileMaxAgeHours < 1 {
		log.Warn().Int("hours", c.ProfileMaxAgeHours).Msg("Invalid profile max age, using 24h")
		c.ProfileMaxAgeHours = 24
	}
	if c.ProfileCleanupInterval < time.Minute {
		log.Warn().Dur("interval", c.ProfileCleanupInterval).Msg("Profile cleanup interval too short, using 1m minimum")
		c.ProfileCleanupInterval = time.Minute
	}

	if c.StatusLogInterval < 5*time.Second {
		log.Warn().Dur("interval", c.StatusLogInterval).Msg("Status log interval too short, using 5s minimum")
		c.StatusLogInterval = 5 * time.Second
	}

	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		log.Warn().Int("port", c.MetricsPort).Msg("Invalid metrics port, using 9090")
		c.MetricsPort = 9090
	}
	if c.MetricsEnabled && c.MetricsPort >= c.PortStart && c.MetricsPort <= c.PortEnd {
		log.Warn().
			Int("port", c.MetricsPort).
			Msg("Metrics port falls inside the debug port range, moving to 18090")
		c.MetricsPort = 18090
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	return nil
}

// ClampTTLMinutes resolves a requested ttl_minutes against the defaults
// and the hard cap. Zero or negative requests use the default.
func (c *Config) ClampTTLMinutes(requested int) int {
	if requested <= 0 {
		return c.DefaultTTLMin
	}
	if requested > c.HardTTLMin {
		log.Warn().
			Int("requested", requested).
			Int("hard", c.HardTTLMin).
			Msg("Requested TTL exceeds hard cap, clamping")
		return c.HardTTLMin
	}
	return requested
}

func defaultProfileRoot() string {
	if temp := os.Getenv("TEMP"); temp != "" {
		return temp + string(os.PathSeparator) + "chrome-profiles"
	}
	return os.TempDir() + string(os.PathSeparator) + "chrome-profiles"
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}
