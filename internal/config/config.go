// Package config loads AEGATE's runtime configuration from the environment,
// following the gateway's 12-factor posture: every setting has an env var,
// sane defaults where safe, and a fatal error where a default would be unsafe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ProfileConfig is a named session-behavior ruleset: TTL and idle timeout.
// "profile" in a Session Grant resolves to one of these by name; an unknown
// profile name is a hard error rather than a silent default (see spec Open
// Question on profiles).
type ProfileConfig struct {
	TTL  time.Duration `json:"ttl"`
	Idle time.Duration `json:"idle"`
}

// Config holds all of AEGATE's environment-derived settings.
type Config struct {
	// HTTPAddr is the address the public API listens on.
	HTTPAddr string
	// LogLevel controls slog's verbosity ("DEBUG", "INFO", "WARN", "ERROR").
	LogLevel string

	// SessionSecret is the HMAC key used to sign session grants. Required;
	// Load returns an error if it is unset, which callers must treat as fatal.
	SessionSecret string

	// DataDir holds the sqlite-backed keyring/capabilities/audit database.
	DataDir string

	// PolicyFile is the YAML static policy document (spec §6).
	PolicyFile string
	// PolicyPollInterval is how often the static policy file's mtime is checked.
	PolicyPollInterval time.Duration

	// NonceTTL bounds how long an issued nonce remains valid.
	NonceTTL time.Duration
	// RedisAddr, if set, backs the nonce cache with Redis instead of memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Profiles maps a session profile name to its TTL/idle ruleset.
	Profiles map[string]ProfileConfig

	// CORSOrigins is the allowlist for the SSE/API CORS middleware. Empty
	// means allow all origins (development mode), the corsMiddleware
	// default.
	CORSOrigins []string

	// RegisterRPS / RegisterBurst rate-limit the unauthenticated admission
	// endpoints (/register, /verify) per client IP.
	RegisterRPS   int
	RegisterBurst int
}

const defaultProfileName = "standard"

// ErrMissingSecret is returned by Load when AEGATE_SESSION_SECRET is unset.
var ErrMissingSecret = fmt.Errorf("config: AEGATE_SESSION_SECRET is required and must not be empty")

// Load reads configuration from the environment. The session secret is the
// one setting with no safe default: its absence is a fatal startup error
// per spec §6 ("missing value is fatal at startup").
func Load() (*Config, error) {
	secret := os.Getenv("AEGATE_SESSION_SECRET")
	if secret == "" {
		return nil, ErrMissingSecret
	}

	profiles, err := loadProfiles(os.Getenv("AEGATE_PROFILES"))
	if err != nil {
		return nil, fmt.Errorf("config: AEGATE_PROFILES: %w", err)
	}

	cfg := &Config{
		HTTPAddr:           envOr("AEGATE_HTTP_ADDR", ":8443"),
		LogLevel:           envOr("AEGATE_LOG_LEVEL", "INFO"),
		SessionSecret:      secret,
		DataDir:            envOr("AEGATE_DATA_DIR", "data"),
		PolicyFile:         envOr("AEGATE_POLICY_FILE", "data/policy.yaml"),
		PolicyPollInterval: envDurationOr("AEGATE_POLICY_POLL_INTERVAL", time.Second),
		NonceTTL:           envDurationOr("AEGATE_NONCE_TTL", 120*time.Second),
		RedisAddr:          os.Getenv("AEGATE_REDIS_ADDR"),
		RedisPassword:      os.Getenv("AEGATE_REDIS_PASSWORD"),
		RedisDB:            envIntOr("AEGATE_REDIS_DB", 0),
		Profiles:           profiles,
		CORSOrigins:        envListOr("AEGATE_CORS_ORIGINS", nil),
		RegisterRPS:        envIntOr("AEGATE_REGISTER_RPS", 5),
		RegisterBurst:      envIntOr("AEGATE_REGISTER_BURST", 10),
	}
	return cfg, nil
}

func loadProfiles(raw string) (map[string]ProfileConfig, error) {
	if raw == "" {
		return map[string]ProfileConfig{
			defaultProfileName: {TTL: 15 * time.Minute, Idle: 5 * time.Minute},
		}, nil
	}

	var wire map[string]struct {
		TTLSeconds  int64 `json:"ttl_seconds"`
		IdleSeconds int64 `json:"idle_seconds"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	profiles := make(map[string]ProfileConfig, len(wire))
	for name, p := range wire {
		profiles[name] = ProfileConfig{
			TTL:  time.Duration(p.TTLSeconds) * time.Second,
			Idle: time.Duration(p.IdleSeconds) * time.Second,
		}
	}
	return profiles, nil
}

// Resolve looks up a profile by name. Unknown profiles are an explicit error:
// the gateway never silently substitutes a default (spec Open Question).
func (c *Config) Resolve(profile string) (ProfileConfig, error) {
	p, ok := c.Profiles[profile]
	if !ok {
		return ProfileConfig{}, fmt.Errorf("config: unknown session profile %q", profile)
	}
	return p, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envListOr(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if seg := trimSpace(v[start:i]); seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
