package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

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
		if cfg.Hardware.Adapter != "mock" {
			t.Errorf("Hardware.Adapter = %q, want mock", cfg.Hardware.Adapter)
		}
		if cfg.Hardware.TTSMode != "device_text" {
			t.Errorf("Hardware.TTSMode = %q, want device_text", cfg.Hardware.TTSMode)
		}
		if cfg.Lifelog.IngestOverflowPolicy != "reject" {
			t.Errorf("Lifelog.IngestOverflowPolicy = %q, want reject", cfg.Lifelog.IngestOverflowPolicy)
		}
		if cfg.AssetDir != "./data/assets" {
			t.Errorf("AssetDir = %q, want ./data/assets", cfg.AssetDir)
		}
		if !cfg.AuthEnabled {
			t.Error("AuthEnabled = false, want true")
		}
		if cfg.AuthToken == "" {
			t.Error("AuthToken should be auto-generated when AUTH_TOKEN is unset")
		}
		if !cfg.AuthTokenGenerated {
			t.Error("AuthTokenGenerated = false, want true")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			HWAdapter:   "websocket",
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
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.Hardware.Adapter != "websocket" {
			t.Errorf("Hardware.Adapter = %q, want websocket", cfg.Hardware.Adapter)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want postgres://localhost/test", cfg.DatabaseURL)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})

	t.Run("auth_disabled_clears_tokens", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{
			"AUTH_ENABLED": "false",
			"AUTH_TOKEN":   "should-be-cleared",
			"WRITE_TOKEN":  "should-be-cleared",
		})
		defer cleanup()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AuthToken != "" {
			t.Errorf("AuthToken = %q, want empty when auth disabled", cfg.AuthToken)
		}
		if cfg.WriteToken != "" {
			t.Errorf("WriteToken = %q, want empty when auth disabled", cfg.WriteToken)
		}
	})
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Hardware: HardwareConfig{Enabled: true, Adapter: "mock", TTSMode: "device_text"},
		Lifelog:  LifelogConfig{IngestOverflowPolicy: "reject"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Hardware.TTSMode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid HW_TTS_MODE")
	}
	cfg.Hardware.TTSMode = "device_text"

	cfg.Lifelog.IngestOverflowPolicy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid LIFELOG_INGEST_OVERFLOW_POLICY")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "",
	})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
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
