// Package config reads ~/.farmchat/config.toml, overlaid with FARMCHAT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as "1.5s" in the file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.farmchat/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session" validate:"omitempty,max=64"`
	Backend        Backend `toml:"backend"`
	Channel        Channel `toml:"channel"`
	Auth           Auth    `toml:"auth"`
	Contact        Contact `toml:"contact"`
	Typing         Typing  `toml:"typing"`
}

// Backend is the marketplace REST API.
type Backend struct {
	BaseURL string   `toml:"base_url" validate:"omitempty,url"`
	Timeout Duration `toml:"timeout" validate:"gt=0"`
}

// Channel is the push WebSocket.
type Channel struct {
	URL              string   `toml:"url" validate:"omitempty,url"`
	MaxAttempts      int      `toml:"max_attempts" validate:"gt=0"`
	RetryDelay       Duration `toml:"retry_delay" validate:"gte=0"`
	HandshakeTimeout Duration `toml:"handshake_timeout" validate:"gt=0"`
	// PingInterval below zero disables the heartbeat.
	PingInterval Duration `toml:"ping_interval"`
}

// Auth says where the bearer token comes from. TokenFile wins over Token.
type Auth struct {
	Token     string `toml:"token,omitempty"`
	TokenFile string `toml:"token_file,omitempty"`
}

type Contact struct {
	Locale        string `toml:"locale,omitempty"`
	DefaultRegion string `toml:"default_region" validate:"len=2,alpha"`
}

type Typing struct {
	Idle     Duration `toml:"idle" validate:"gt=0"`
	Fallback Duration `toml:"fallback" validate:"gt=0"`
}

// ChannelURL returns the push endpoint: the configured URL, or /ws on the
// backend host with the scheme switched to ws or wss.
func (c *Config) ChannelURL() string {
	if c.Channel.URL != "" || c.Backend.BaseURL == "" {
		return c.Channel.URL
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Backend: Backend{Timeout: Duration{15 * time.Second}},
		Channel: Channel{
			MaxAttempts:      5,
			RetryDelay:       Duration{time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
			PingInterval:     Duration{25 * time.Second},
		},
		Contact: Contact{DefaultRegion: "IN"},
		Typing: Typing{
			Idle:     Duration{1500 * time.Millisecond},
			Fallback: Duration{3 * time.Second},
		},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Resolve builds the effective config: defaults, then the file at path if
// it exists, then the .env files found in envFiles, then the process
// environment. The result is validated.
func Resolve(path string, envFiles ...string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := loadDotenv(envFiles); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotenv sets variables from each existing file. Variables already in
// the environment are kept.
func loadDotenv(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the FARMCHAT_* variables getenv returns.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"FARMCHAT_SESSION":     &cfg.DefaultSession,
		"FARMCHAT_BACKEND_URL": &cfg.Backend.BaseURL,
		"FARMCHAT_CHANNEL_URL": &cfg.Channel.URL,
		"FARMCHAT_TOKEN":       &cfg.Auth.Token,
		"FARMCHAT_TOKEN_FILE":  &cfg.Auth.TokenFile,
		"FARMCHAT_LOCALE":      &cfg.Contact.Locale,
		"FARMCHAT_REGION":      &cfg.Contact.DefaultRegion,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	dur := map[string]*Duration{
		"FARMCHAT_BACKEND_TIMEOUT": &cfg.Backend.Timeout,
		"FARMCHAT_RETRY_DELAY":     &cfg.Channel.RetryDelay,
		"FARMCHAT_PING_INTERVAL":   &cfg.Channel.PingInterval,
	}
	for name, dst := range dur {
		if v := getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if v := getenv("FARMCHAT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FARMCHAT_MAX_ATTEMPTS: %w", err)
		}
		cfg.Channel.MaxAttempts = n
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		return f.Interface().(Duration).Duration
	}, Duration{})
	return v
}

// Validate checks URLs, budgets and durations.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
