package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Unset all warden env vars to get defaults.
	for _, k := range []string{
		"WARDEN_LISTEN_ADDR", "WARDEN_DB_DRIVER", "WARDEN_DB_DSN",
		"WARDEN_REDIS_URL", "WARDEN_SPOOL_PATH", "WARDEN_SWEEP_SCHEDULE",
		"WARDEN_CLEANUP_SCHEDULE", "WARDEN_SPOOL_FLUSH_SCHEDULE",
		"WARDEN_NOTIFY_MIN_SEVERITY", "WARDEN_MQTT_QOS", "WARDEN_LOG_JSON",
		"WARDEN_SHUTDOWN_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.RedisURL != "redis://127.0.0.1:6379/0" {
		t.Errorf("RedisURL = %q, want redis://127.0.0.1:6379/0", cfg.RedisURL)
	}
	if cfg.SweepSchedule != "@every 1m" {
		t.Errorf("SweepSchedule = %q, want @every 1m", cfg.SweepSchedule)
	}
	if cfg.NotifyMinSeverity != "warning" {
		t.Errorf("NotifyMinSeverity = %q, want warning", cfg.NotifyMinSeverity)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 15s", cfg.ShutdownTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WARDEN_LISTEN_ADDR", ":9000")
	t.Setenv("WARDEN_DB_DRIVER", "postgres")
	t.Setenv("WARDEN_SWEEP_SCHEDULE", "@every 30s")
	t.Setenv("WARDEN_MQTT_QOS", "1")
	t.Setenv("WARDEN_LOG_JSON", "false")

	cfg := Load()
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.DBDriver != "postgres" {
		t.Errorf("DBDriver = %q, want postgres", cfg.DBDriver)
	}
	if cfg.SweepSchedule != "@every 30s" {
		t.Errorf("SweepSchedule = %q, want @every 30s", cfg.SweepSchedule)
	}
	if cfg.MQTTQoS != 1 {
		t.Errorf("MQTTQoS = %d, want 1", cfg.MQTTQoS)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ListenAddr:         ":8080",
			DBDriver:           "sqlite",
			DBDSN:              "/tmp/warden.db",
			SweepSchedule:      "@every 1m",
			CleanupSchedule:    "@every 1h",
			SpoolFlushSchedule: "@every 5m",
			NotifyMinSeverity:  "warning",
			MQTTQoS:            0,
			ShutdownTimeout:    15 * time.Second,
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"bad db driver", func(c *Config) { c.DBDriver = "mysql" }, true},
		{"empty dsn", func(c *Config) { c.DBDSN = "" }, true},
		{"bad sweep schedule", func(c *Config) { c.SweepSchedule = "every minute" }, true},
		{"five-field cron valid", func(c *Config) { c.SweepSchedule = "*/5 * * * *" }, false},
		{"bad severity", func(c *Config) { c.NotifyMinSeverity = "loud" }, true},
		{"qos out of range", func(c *Config) { c.MQTTQoS = 3 }, true},
		{"watch without file", func(c *Config) { c.ChallengesWatch = true }, true},
		{"watch with file", func(c *Config) { c.ChallengesWatch = true; c.ChallengesFile = "/tmp/ch.yaml" }, false},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("WD_TEST_STR", "custom")
	if got := envStr("WD_TEST_STR", "default"); got != "custom" {
		t.Errorf("envStr = %q, want custom", got)
	}
	if got := envStr("WD_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("envStr = %q, want fallback", got)
	}

	t.Setenv("WD_TEST_INT", "42")
	if got := envInt("WD_TEST_INT", 0); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	t.Setenv("WD_TEST_INT", "notanumber")
	if got := envInt("WD_TEST_INT", 99); got != 99 {
		t.Errorf("envInt = %d, want 99 (default on parse failure)", got)
	}

	t.Setenv("WD_TEST_BOOL", "invalid")
	if got := envBool("WD_TEST_BOOL", true); !got {
		t.Error("envBool = false, want true (default on parse failure)")
	}

	t.Setenv("WD_TEST_DUR", "5m")
	if got := envDuration("WD_TEST_DUR", time.Hour); got != 5*time.Minute {
		t.Errorf("envDuration = %s, want 5m", got)
	}
	t.Setenv("WD_TEST_DUR", "notaduration")
	if got := envDuration("WD_TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("envDuration = %s, want 1h (default on parse failure)", got)
	}
}
