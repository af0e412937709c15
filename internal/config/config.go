package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all CTF-Warden configuration from environment variables.
// Runtime tunables (port range, timeouts, docker endpoint, ...) live in the
// database config store instead, so admins can change them without a restart.
type Config struct {
	// HTTP
	ListenAddr string

	// Storage
	DBDriver  string // "sqlite" or "postgres"
	DBDSN     string
	RedisURL  string
	SpoolPath string // bbolt file for audit events the DB refused

	// Auth
	ServiceToken string // bearer token the host platform uses; generated when empty
	AdminToken   string // bearer token for /admin; generated when empty

	// Background jobs (cron expressions, @every syntax allowed)
	SweepSchedule      string
	CleanupSchedule    string
	SpoolFlushSchedule string

	// Notifications
	DiscordWebhook    string
	NotifyMinSeverity string
	MQTTBroker        string
	MQTTTopic         string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTQoS           int

	// Host platform callbacks
	PlatformBanURL   string
	PlatformSolveURL string
	PlatformToken    string

	// Challenge catalog bootstrap
	ChallengesFile  string
	ChallengesWatch bool

	// Observability
	MetricsTextfile string
	LogJSON         bool

	// Shutdown
	ShutdownTimeout time.Duration
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:         envStr("WARDEN_LISTEN_ADDR", ":8080"),
		DBDriver:           envStr("WARDEN_DB_DRIVER", "sqlite"),
		DBDSN:              envStr("WARDEN_DB_DSN", "/data/warden.db"),
		RedisURL:           envStr("WARDEN_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SpoolPath:          envStr("WARDEN_SPOOL_PATH", "/data/warden-spool.db"),
		ServiceToken:       envStr("WARDEN_SERVICE_TOKEN", ""),
		AdminToken:         envStr("WARDEN_ADMIN_TOKEN", ""),
		SweepSchedule:      envStr("WARDEN_SWEEP_SCHEDULE", "@every 1m"),
		CleanupSchedule:    envStr("WARDEN_CLEANUP_SCHEDULE", "@every 1h"),
		SpoolFlushSchedule: envStr("WARDEN_SPOOL_FLUSH_SCHEDULE", "@every 5m"),
		DiscordWebhook:     envStr("WARDEN_DISCORD_WEBHOOK", ""),
		NotifyMinSeverity:  envStr("WARDEN_NOTIFY_MIN_SEVERITY", "warning"),
		MQTTBroker:         envStr("WARDEN_MQTT_BROKER", ""),
		MQTTTopic:          envStr("WARDEN_MQTT_TOPIC", "warden/events"),
		MQTTClientID:       envStr("WARDEN_MQTT_CLIENT_ID", "ctf-warden"),
		MQTTUsername:       envStr("WARDEN_MQTT_USERNAME", ""),
		MQTTPassword:       envStr("WARDEN_MQTT_PASSWORD", ""),
		MQTTQoS:            envInt("WARDEN_MQTT_QOS", 0),
		PlatformBanURL:     envStr("WARDEN_PLATFORM_BAN_URL", ""),
		PlatformSolveURL:   envStr("WARDEN_PLATFORM_SOLVE_URL", ""),
		PlatformToken:      envStr("WARDEN_PLATFORM_TOKEN", ""),
		ChallengesFile:     envStr("WARDEN_CHALLENGES_FILE", ""),
		ChallengesWatch:    envBool("WARDEN_CHALLENGES_WATCH", false),
		MetricsTextfile:    envStr("WARDEN_METRICS_TEXTFILE", ""),
		LogJSON:            envBool("WARDEN_LOG_JSON", true),
		ShutdownTimeout:    envDuration("WARDEN_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("WARDEN_LISTEN_ADDR must not be empty"))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("WARDEN_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("WARDEN_DB_DSN must not be empty"))
	}
	for name, spec := range map[string]string{
		"WARDEN_SWEEP_SCHEDULE":       c.SweepSchedule,
		"WARDEN_CLEANUP_SCHEDULE":     c.CleanupSchedule,
		"WARDEN_SPOOL_FLUSH_SCHEDULE": c.SpoolFlushSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q: %v", name, spec, err))
		}
	}
	switch c.NotifyMinSeverity {
	case "info", "warning", "error", "critical":
		// valid
	default:
		errs = append(errs, fmt.Errorf("WARDEN_NOTIFY_MIN_SEVERITY must be info, warning, error, or critical, got %q", c.NotifyMinSeverity))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("WARDEN_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	if c.ChallengesWatch && c.ChallengesFile == "" {
		errs = append(errs, errors.New("WARDEN_CHALLENGES_WATCH requires WARDEN_CHALLENGES_FILE"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_SHUTDOWN_TIMEOUT must be > 0, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
