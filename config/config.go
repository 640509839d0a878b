package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "widgetchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "WIDGETCHAT_DATA_DIR"
	// DefaultRequestTimeoutMS bounds a single widget API request.
	DefaultRequestTimeoutMS = 15000
	// DefaultRequestsPerSecond is the client-side API rate limit.
	DefaultRequestsPerSecond = 5
	// DefaultRequestBurst is the limiter burst size.
	DefaultRequestBurst = 10
	// DefaultPendingTTLSeconds is how long a sending message may wait before
	// prune treats it as stale.
	DefaultPendingTTLSeconds = 300
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent widget client settings. Environment
// variables named in the env tags override file values at load time and are
// never written back.
type ClientConfig struct {
	ClientID          string  `json:"client_id"`
	APIBaseURL        string  `json:"api_base_url" env:"WIDGETCHAT_API_BASE_URL"`
	WebsiteToken      string  `json:"website_token" env:"WIDGETCHAT_WEBSITE_TOKEN"`
	AuthToken         string  `json:"auth_token" env:"WIDGETCHAT_AUTH_TOKEN"`
	RequestTimeoutMS  int     `json:"request_timeout_ms" env:"WIDGETCHAT_REQUEST_TIMEOUT_MS"`
	RequestsPerSecond float64 `json:"requests_per_second" env:"WIDGETCHAT_REQUESTS_PER_SECOND"`
	RequestBurst      int     `json:"request_burst" env:"WIDGETCHAT_REQUEST_BURST"`
	DiscoveryEnabled  bool    `json:"discovery_enabled" env:"WIDGETCHAT_DISCOVERY_ENABLED"`
	DiscoveryService  string  `json:"discovery_service" env:"WIDGETCHAT_DISCOVERY_SERVICE"`
	PendingTTLSeconds int     `json:"pending_ttl_seconds" env:"WIDGETCHAT_PENDING_TTL_SECONDS"`
	LogLevel          string  `json:"log_level" env:"WIDGETCHAT_LOG_LEVEL"`
}

// RequestTimeout returns the API request timeout as a duration.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// PendingTTL returns the stale-pending threshold as a duration.
func (c *ClientConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WIDGETCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *ClientConfig) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, applies the
// environment overlay and returns the config, its path and the data directory.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg)

	return cfg, cfgPath, nil
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		ClientID:          uuid.NewString(),
		RequestTimeoutMS:  DefaultRequestTimeoutMS,
		RequestsPerSecond: DefaultRequestsPerSecond,
		RequestBurst:      DefaultRequestBurst,
		PendingTTLSeconds: DefaultPendingTTLSeconds,
		LogLevel:          DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/"); trimmed != cfg.APIBaseURL {
		cfg.APIBaseURL = trimmed
		updated = true
	}

	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = DefaultRequestTimeoutMS
		updated = true
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
		updated = true
	}

	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = DefaultRequestBurst
		updated = true
	}

	if cfg.PendingTTLSeconds <= 0 {
		cfg.PendingTTLSeconds = DefaultPendingTTLSeconds
		updated = true
	}

	level := normalizeLogLevel(cfg.LogLevel)
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
