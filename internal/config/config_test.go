package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Typing.Idle = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", loaded.Backend.BaseURL)
	}
	if loaded.Typing.Idle.Duration != 2*time.Second {
		t.Errorf("Typing.Idle = %v, want 2s", loaded.Typing.Idle)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_session = \"main\"\n\n[channel]\nretry_delay = \"250ms\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.RetryDelay.Duration != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.Channel.RetryDelay)
	}
	if cfg.Channel.MaxAttempts != 5 || cfg.Typing.Fallback.Duration != 3*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Channel, cfg.Typing)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FARMCHAT_BACKEND_URL":  "https://api.farm.test",
		"FARMCHAT_TOKEN":        "tok",
		"FARMCHAT_MAX_ATTEMPTS": "2",
		"FARMCHAT_RETRY_DELAY":  "3s",
	}
	cfg := Default()
	if err := ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.BaseURL != "https://api.farm.test" || cfg.Auth.Token != "tok" {
		t.Errorf("strings not applied: %+v %+v", cfg.Backend, cfg.Auth)
	}
	if cfg.Channel.MaxAttempts != 2 || cfg.Channel.RetryDelay.Duration != 3*time.Second {
		t.Errorf("channel = %+v", cfg.Channel)
	}

	bad := func(k string) string {
		if k == "FARMCHAT_MAX_ATTEMPTS" {
			return "many"
		}
		return ""
	}
	if err := ApplyEnv(Default(), bad); err == nil {
		t.Error("ApplyEnv() accepted a non-numeric budget")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad url", func(c *Config) { c.Backend.BaseURL = "not a url" }, "BaseURL"},
		{"zero budget", func(c *Config) { c.Channel.MaxAttempts = 0 }, "MaxAttempts"},
		{"zero idle", func(c *Config) { c.Typing.Idle = Duration{} }, "Idle"},
		{"region", func(c *Config) { c.Contact.DefaultRegion = "IND" }, "DefaultRegion"},
		{"heartbeat off", func(c *Config) { c.Channel.PingInterval = Duration{-1} }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestResolveReadsDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("FARMCHAT_LOCALE=hi-IN\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("FARMCHAT_LOCALE") })

	cfg, err := Resolve(filepath.Join(dir, "missing.toml"), envFile, filepath.Join(dir, "absent.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Contact.Locale != "hi-IN" {
		t.Errorf("Locale = %q, want hi-IN", cfg.Contact.Locale)
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base, channel, want string
	}{
		{"https://api.farm.test/v1/", "", "wss://api.farm.test/v1/ws"},
		{"http://localhost:8080", "", "ws://localhost:8080/ws"},
		{"https://api.farm.test", "wss://push.farm.test/socket", "wss://push.farm.test/socket"},
		{"", "", ""},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Backend.BaseURL = tt.base
		cfg.Channel.URL = tt.channel
		if got := cfg.ChannelURL(); got != tt.want {
			t.Errorf("ChannelURL(%q, %q) = %q, want %q", tt.base, tt.channel, got, tt.want)
		}
	}
}
