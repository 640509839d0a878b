package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ClientID == "" {
		t.Fatalf("expected non-empty client ID")
	}
	if firstCfg.RequestTimeoutMS != DefaultRequestTimeoutMS {
		t.Fatalf("expected default request timeout %d, got %d", DefaultRequestTimeoutMS, firstCfg.RequestTimeoutMS)
	}
	if firstCfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, firstCfg.LogLevel)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ClientID != firstCfg.ClientID {
		t.Fatalf("expected stable client ID, got %q then %q", firstCfg.ClientID, secondCfg.ClientID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	partial := &ClientConfig{
		ClientID:   "client-1",
		APIBaseURL: " https://chat.example.com/ ",
		LogLevel:   "WARNING",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ClientID != "client-1" {
		t.Fatalf("expected client ID to be kept, got %q", cfg.ClientID)
	}
	if cfg.APIBaseURL != "https://chat.example.com" {
		t.Fatalf("expected trimmed base URL, got %q", cfg.APIBaseURL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected normalized log level, got %q", cfg.LogLevel)
	}
	if cfg.RequestBurst != DefaultRequestBurst || cfg.PendingTTLSeconds != DefaultPendingTTLSeconds {
		t.Fatalf("expected defaults to be filled, got burst=%d ttl=%d", cfg.RequestBurst, cfg.PendingTTLSeconds)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.RequestTimeoutMS != DefaultRequestTimeoutMS {
		t.Fatalf("expected normalized config to be saved, got timeout %d", saved.RequestTimeoutMS)
	}
}

func TestEnvironmentOverridesFileWithoutPersisting(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	fileCfg := defaultConfig()
	fileCfg.APIBaseURL = "https://file.example.com"
	fileCfg.WebsiteToken = "file-token"
	if err := Save(cfgPath, fileCfg); err != nil {
		t.Fatalf("Save config failed: %v", err)
	}

	t.Setenv("WIDGETCHAT_API_BASE_URL", "https://env.example.com")
	t.Setenv("WIDGETCHAT_DISCOVERY_ENABLED", "true")
	t.Setenv("WIDGETCHAT_REQUEST_BURST", "3")

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.APIBaseURL != "https://env.example.com" {
		t.Fatalf("expected env base URL, got %q", cfg.APIBaseURL)
	}
	if cfg.WebsiteToken != "file-token" {
		t.Fatalf("expected file token to survive, got %q", cfg.WebsiteToken)
	}
	if !cfg.DiscoveryEnabled || cfg.RequestBurst != 3 {
		t.Fatalf("expected env overlay, got discovery=%v burst=%d", cfg.DiscoveryEnabled, cfg.RequestBurst)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.APIBaseURL != "https://file.example.com" {
		t.Fatalf("expected env value not to be persisted, got %q", saved.APIBaseURL)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("WIDGETCHAT_REQUEST_TIMEOUT_MS", "soon")

	if err := ApplyEnv(defaultConfig()); err == nil {
		t.Fatalf("expected parse error for malformed timeout")
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
