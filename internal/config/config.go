package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.formachat/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Backend        Backend `toml:"backend"`
	Live           Live    `toml:"live"`
	Notice         Notice  `toml:"notice"`
}

// Backend locates the chat backend.
type Backend struct {
	BaseURL        string   `toml:"base_url"`
	SocketURL      string   `toml:"socket_url"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Live tunes the push channel.
type Live struct {
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectBackoff  Duration `toml:"reconnect_backoff"`
	TypingExpiry      Duration `toml:"typing_expiry"`
}

// Notice tunes transient notices.
type Notice struct {
	BannerTTL Duration `toml:"banner_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Backend: Backend{
			BaseURL:        "http://localhost:3000",
			RequestTimeout: Duration{15 * time.Second},
		},
		Live: Live{
			ReconnectAttempts: 5,
			ReconnectBackoff:  Duration{2 * time.Second},
			TypingExpiry:      Duration{3 * time.Second},
		},
		Notice: Notice{BannerTTL: Duration{5 * time.Second}},
	}
}

// Load reads config from the given path over the defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the config file
// if present, then an optional .env file, then FORMACHAT_* variables.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	str("FORMACHAT_SESSION", &c.DefaultSession)
	str("FORMACHAT_BASE_URL", &c.Backend.BaseURL)
	str("FORMACHAT_SOCKET_URL", &c.Backend.SocketURL)
	if v, ok := lookup("FORMACHAT_RECONNECT_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORMACHAT_RECONNECT_ATTEMPTS: %w", err)
		}
		c.Live.ReconnectAttempts = n
	}
	for key, dst := range map[string]*Duration{
		"FORMACHAT_REQUEST_TIMEOUT":   &c.Backend.RequestTimeout,
		"FORMACHAT_RECONNECT_BACKOFF": &c.Live.ReconnectBackoff,
		"FORMACHAT_TYPING_EXPIRY":     &c.Live.TypingExpiry,
		"FORMACHAT_BANNER_TTL":        &c.Notice.BannerTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("backend.request_timeout must be positive"))
	}
	if c.Live.ReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("live.reconnect_attempts = %d, must be at least 1", c.Live.ReconnectAttempts))
	}
	if c.Live.ReconnectBackoff.Duration <= 0 {
		errs = append(errs, errors.New("live.reconnect_backoff must be positive"))
	}
	if t := c.Live.TypingExpiry.Duration; t < 2*time.Second || t > 3*time.Second {
		errs = append(errs, fmt.Errorf("live.typing_expiry = %s, must be between 2s and 3s", t))
	}
	if c.Notice.BannerTTL.Duration <= 0 {
		errs = append(errs, errors.New("notice.banner_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// PushURL returns the websocket endpoint, derived from the base URL when
// socket_url is not set.
func (c *Config) PushURL() string {
	if c.Backend.SocketURL != "" {
		return c.Backend.SocketURL
	}
	base := strings.TrimRight(c.Backend.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
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
