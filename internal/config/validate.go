package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Validator accumulates section errors so a bad config reports everything
// wrong at once instead of failing on the first field.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators.
func (c *Config) Validate() error {
	v := &Validator{}

	validateSignalingConfig(v, c)
	validatePostgresConfig(v, &c.Postgres)
	validateStorageConfig(v, &c.Storage)
	validateUploadConfig(v, &c.Upload)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateSignalingConfig(v *Validator, cfg *Config) {
	u, err := url.Parse(cfg.SignalingURL)
	if err != nil {
		v.AddError("signaling URL is not parseable: %v", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		v.AddError("signaling URL scheme must be ws or wss, got %q", u.Scheme)
	}

	if cfg.ListenAddr == "" {
		v.AddError("listen address cannot be empty")
	} else {
		host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			v.AddError("listen address must be host:port: %v", err)
		} else {
			if host != "" && host != "localhost" {
				if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
					v.AddError("invalid hostname in listen address: %s", host)
				}
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 1 || port > 65535 {
				v.AddError("invalid port in listen address: %s", portStr)
			}
		}
	}

	for _, s := range cfg.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			v.AddError("STUN server %q must start with stun: or turn:", s)
		}
	}
}

func validatePostgresConfig(v *Validator, cfg *PostgresConfig) {
	if cfg.Host == "" {
		v.AddError("database host cannot be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.AddError("invalid database port: %d", cfg.Port)
	}
	if cfg.Database == "" {
		v.AddError("database name cannot be empty")
	}
	switch cfg.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		v.AddError("invalid database sslmode: %q", cfg.SSLMode)
	}
}

func validateStorageConfig(v *Validator, cfg *StorageConfig) {
	if cfg.Endpoint == "" {
		v.AddError("storage endpoint cannot be empty")
	}
	// S3 bucket naming rules, the subset MinIO enforces.
	if !bucketNameRe.MatchString(cfg.Bucket) {
		v.AddError("invalid bucket name %q: must be 3-63 lowercase letters, digits, or hyphens", cfg.Bucket)
	}
}

func validateUploadConfig(v *Validator, cfg *UploadConfig) {
	if cfg.ChunkBytes < 1 {
		v.AddError("upload chunk size must be positive, got %d", cfg.ChunkBytes)
	}
	if cfg.MaxArtifactBytes < cfg.ChunkBytes {
		v.AddError("max artifact size %d is smaller than one chunk (%d)", cfg.MaxArtifactBytes, cfg.ChunkBytes)
	}
	if cfg.Concurrency < 1 {
		v.AddError("upload concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Timeout <= 0 {
		v.AddError("upload timeout must be positive, got %v", cfg.Timeout)
	}
}

var (
	bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)
	hostnameRe   = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

func isValidHostname(host string) bool {
	return len(host) <= 253 && hostnameRe.MatchString(host)
}
