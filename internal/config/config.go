// Package config holds the application configuration for the relay server
// and the exam clients.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// SignalingURL is the relay websocket endpoint exam clients dial.
	SignalingURL string
	// ListenAddr is the relay server's bind address.
	ListenAddr string
	// STUNServers feed ICE gathering on both sides of a call.
	STUNServers []string

	LogLevel string

	Postgres PostgresConfig
	Storage  StorageConfig
	Upload   UploadConfig
}

// PostgresConfig points at the exam database.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// StorageConfig points at the recording bucket.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// UploadConfig bounds the recording upload pipeline.
type UploadConfig struct {
	MaxArtifactBytes int64
	ChunkBytes       int64
	Concurrency      int
	Timeout          time.Duration
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:7000/ws",
		ListenAddr:   ":7000",
		STUNServers:  []string{"stun:stun.l.google.com:19302"},
		LogLevel:     "info",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "proctor",
			Password: "proctor",
			Database: "proctorlink",
			SSLMode:  "disable",
		},
		Storage: StorageConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "exam-recordings",
			UseSSL:    false,
		},
		Upload: UploadConfig{
			MaxArtifactBytes: 40 << 20,
			ChunkBytes:       1 << 20,
			Concurrency:      3,
			Timeout:          30 * time.Second,
		},
	}
}

// Load reads configuration from a .env file (if present) and environment
// variables, over the defaults. Environment variables take precedence over
// .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := NewDefaultConfig()

	setString(&cfg.SignalingURL, "PROCTOR_SIGNALING_URL")
	setString(&cfg.ListenAddr, "PROCTOR_LISTEN_ADDR")
	setString(&cfg.LogLevel, "PROCTOR_LOG_LEVEL")
	if v := os.Getenv("PROCTOR_STUN_SERVERS"); v != "" {
		cfg.STUNServers = strings.Split(v, ",")
	}

	setString(&cfg.Postgres.Host, "PROCTOR_DB_HOST")
	if err := setInt(&cfg.Postgres.Port, "PROCTOR_DB_PORT"); err != nil {
		return nil, err
	}
	setString(&cfg.Postgres.User, "PROCTOR_DB_USER")
	setString(&cfg.Postgres.Password, "PROCTOR_DB_PASSWORD")
	setString(&cfg.Postgres.Database, "PROCTOR_DB_NAME")
	setString(&cfg.Postgres.SSLMode, "PROCTOR_DB_SSLMODE")

	setString(&cfg.Storage.Endpoint, "PROCTOR_MINIO_ENDPOINT")
	setString(&cfg.Storage.AccessKey, "PROCTOR_MINIO_ACCESS_KEY")
	setString(&cfg.Storage.SecretKey, "PROCTOR_MINIO_SECRET_KEY")
	setString(&cfg.Storage.Bucket, "PROCTOR_MINIO_BUCKET")
	if err := setBool(&cfg.Storage.UseSSL, "PROCTOR_MINIO_USE_SSL"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
