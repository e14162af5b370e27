package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every key Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_PORT", "DB_DRIVER", "DB_URL", "REDIS_URL", "QUEUE_NAME",
		"OFFLINE_GRACE", "VISIBILITY_TIMEOUT", "POLL_INTERVAL", "RETRY_DELAY",
		"SNAPSHOT_INTERVAL", "REPORT_INTERVAL", "REPORT_BURST",
		"MQTT_BROKER_URL", "MQTT_TOPIC_PREFIX", "LOG_LEVEL", "LOG_FORMAT",
		"OTLP_ENDPOINT", "SERVICE_NAME", "ENABLE_METRICS", "ENABLE_TRACING",
		"CONFIG_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.OfflineGrace != 60*time.Second || cfg.VisibilityTimeout != 30*time.Second ||
		cfg.PollInterval != time.Second || cfg.RetryDelay != 5*time.Second {
		t.Errorf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.ReportBurst != 3 || cfg.LogLevel != slog.LevelInfo || !cfg.EnableMetrics || cfg.EnableTracing {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "fleetpulse.yaml")
	writeFile(t, path, `
offline_grace: 90s
report_burst: 5
log_level: debug
enable_tracing: true
queue_name: from-file
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("QUEUE_NAME", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OfflineGrace != 90*time.Second {
		t.Errorf("OfflineGrace = %v, want 90s", cfg.OfflineGrace)
	}
	if cfg.ReportBurst != 5 {
		t.Errorf("ReportBurst = %d, want 5", cfg.ReportBurst)
	}
	if cfg.LogLevel != slog.LevelDebug || !cfg.EnableTracing {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.QueueName != "from-env" {
		t.Errorf("QueueName = %q, want env to win", cfg.QueueName)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{name: "bad duration", env: map[string]string{"OFFLINE_GRACE": "soon"}, wantErr: "OFFLINE_GRACE"},
		{name: "bad int", env: map[string]string{"REPORT_BURST": "many"}, wantErr: "REPORT_BURST"},
		{name: "missing file", env: map[string]string{"CONFIG_FILE": "/nonexistent/fleetpulse.yaml"}, wantErr: "config file"},
		{name: "nested file value", file: "database:\n  url: x\n", wantErr: "must be a scalar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "c.yaml")
				writeFile(t, path, tt.file)
				t.Setenv("CONFIG_FILE", path)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero grace", func(c *Config) { c.OfflineGrace = 0 }, "OFFLINE_GRACE"},
		{"negative visibility", func(c *Config) { c.VisibilityTimeout = -time.Second }, "VISIBILITY_TIMEOUT"},
		{"bad driver", func(c *Config) { c.DBDriver = "oracle" }, "DB_DRIVER"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"no redis", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"zero burst", func(c *Config) { c.ReportBurst = 0 }, "REPORT_BURST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "fleetpulse.yaml")
	writeFile(t, path, "offline_grace: 60s\n")
	t.Setenv("CONFIG_FILE", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "offline_grace: 2m\nlog_level: warn\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.OfflineGrace == 2*time.Minute && cfg.LogLevel == slog.LevelWarn {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("Watch returned %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestWatch_ReloadsAfterRenameSaves(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetpulse.yaml")
	writeFile(t, path, "offline_grace: 60s\n")
	t.Setenv("CONFIG_FILE", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	// Each save writes a temp file and renames it over the original.
	for _, grace := range []time.Duration{2 * time.Minute, 3 * time.Minute} {
		tmp := filepath.Join(dir, ".fleetpulse.yaml.tmp")
		writeFile(t, tmp, "offline_grace: "+grace.String()+"\n")
		if err := os.Rename(tmp, path); err != nil {
			t.Fatalf("rename: %v", err)
		}

		deadline := time.After(5 * time.Second)
	wait:
		for {
			select {
			case cfg := <-reloaded:
				if cfg.OfflineGrace == grace {
					break wait
				}
			case <-deadline:
				t.Fatalf("no reload with offline_grace %s", grace)
			}
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}
