package config

import (
	"strings"
	"testing"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestValidate_ReportsEverySection(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SignalingURL = "http://localhost:7000/ws"
	cfg.ListenAddr = "no-port"
	cfg.Postgres.Port = 0
	cfg.Storage.Bucket = "NOT_A_BUCKET"
	cfg.Upload.Concurrency = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("broken config accepted")
	}
	for _, want := range []string{
		"scheme must be ws or wss",
		"host:port",
		"database port",
		"bucket name",
		"concurrency",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestValidate_UploadBounds(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Config)
		valid bool
	}{
		{"chunk equals max", func(c *Config) { c.Upload.MaxArtifactBytes = c.Upload.ChunkBytes }, true},
		{"max below chunk", func(c *Config) { c.Upload.MaxArtifactBytes = c.Upload.ChunkBytes - 1 }, false},
		{"zero chunk", func(c *Config) { c.Upload.ChunkBytes = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mut(cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatal("invalid upload config accepted")
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROCTOR_SIGNALING_URL", "wss://relay.example.edu/ws")
	t.Setenv("PROCTOR_DB_PORT", "6543")
	t.Setenv("PROCTOR_MINIO_USE_SSL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalingURL != "wss://relay.example.edu/ws" {
		t.Errorf("SignalingURL = %q", cfg.SignalingURL)
	}
	if cfg.Postgres.Port != 6543 {
		t.Errorf("Postgres.Port = %d", cfg.Postgres.Port)
	}
	if !cfg.Storage.UseSSL {
		t.Error("Storage.UseSSL not overridden")
	}
}

func TestLoad_BadIntRejected(t *testing.T) {
	t.Setenv("PROCTOR_DB_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("non-numeric port accepted")
	}
}
