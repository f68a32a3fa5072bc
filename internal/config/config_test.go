package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.QueueBackend != "auto" {
			t.Errorf("QueueBackend = %q, want auto", cfg.QueueBackend)
		}
		if cfg.QueueName != "transcription" {
			t.Errorf("QueueName = %q, want transcription", cfg.QueueName)
		}
		if cfg.MaxUploadMB != 500 {
			t.Errorf("MaxUploadMB = %d, want 500", cfg.MaxUploadMB)
		}
		if cfg.Model != "large-v2" {
			t.Errorf("Model = %q, want large-v2", cfg.Model)
		}
		if cfg.VADMode != "auto" {
			t.Errorf("VADMode = %q, want auto", cfg.VADMode)
		}
		if cfg.DefaultProfile != "balanced" {
			t.Errorf("DefaultProfile = %q, want balanced", cfg.DefaultProfile)
		}
		if cfg.Workers != 2 {
			t.Errorf("Workers = %d, want 2", cfg.Workers)
		}
	})

	t.Run("env_vars_read_with_prefix", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{
			"GRABADORA_DATABASE_URL": "postgres://localhost/test",
			"GRABADORA_QUEUE_BACKEND": "memory",
		})
		defer cleanup()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want postgres://localhost/test", cfg.DatabaseURL)
		}
		if cfg.QueueBackend != "memory" {
			t.Errorf("QueueBackend = %q, want memory", cfg.QueueBackend)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{
			"GRABADORA_HTTP_ADDR": ":7070",
		})
		defer cleanup()

		cfg, err := Load(Overrides{
			EnvFile:  "nonexistent.env",
			HTTPAddr: ":9090",
			LogLevel: "debug",
			Workers:  4,
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.Workers != 4 {
			t.Errorf("Workers = %d, want 4", cfg.Workers)
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"placeholder_jwt_secret_in_production", func(c *Config) { c.Env = "production"; c.JWTSecret = "change-me" }},
		{"empty_audio_bucket", func(c *Config) { c.AudioBucket = "  " }},
		{"empty_transcript_bucket", func(c *Config) { c.TranscriptBucket = "" }},
		{"zero_max_upload", func(c *Config) { c.MaxUploadMB = 0 }},
		{"zero_workers", func(c *Config) { c.Workers = 0 }},
		{"unknown_queue_backend", func(c *Config) { c.QueueBackend = "rabbitmq" }},
		{"unknown_storage_backend", func(c *Config) { c.StorageBackend = "gcs" }},
		{"unknown_vad_mode", func(c *Config) { c.VADMode = "maybe" }},
		{"unknown_default_profile", func(c *Config) { c.DefaultProfile = "ultra" }},
		{"unknown_device", func(c *Config) { c.Device = "tpu" }},
		{"tiny_presign_ttl", func(c *Config) { c.PresignTTL = 30 * time.Second }},
		{"tiny_jwt_expiry", func(c *Config) { c.JWTExpiry = 0 }},
		{"zero_live_window", func(c *Config) { c.LiveWindow = 0 }},
		{"negative_live_overlap", func(c *Config) { c.LiveOverlap = -1 }},
		{"negative_repeat_window", func(c *Config) { c.LiveRepeatWindow = -1 }},
		{"negative_repeat_max", func(c *Config) { c.LiveRepeatMax = -1 }},
		{"zero_debug_event_limit", func(c *Config) { c.DebugEventLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}

	t.Run("dev_placeholder_secret_allowed", func(t *testing.T) {
		cfg := valid()
		cfg.Env = "development"
		cfg.JWTSecret = "change-me"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}

func TestMaxUploadBytes(t *testing.T) {
	c := &Config{MaxUploadMB: 2}
	if got := c.MaxUploadBytes(); got != 2<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", got, 2<<20)
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
