package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Zero values fall back to defaults in
// Load, so a minimal file only needs base_url.
type Config struct {
	// BaseURL is the backend origin, e.g. https://chat.example.com. The
	// websocket scheme is derived from it: https becomes wss, http becomes ws.
	BaseURL string `yaml:"base_url"`
	// WSBaseURL overrides the websocket origin when it differs from BaseURL.
	WSBaseURL string `yaml:"ws_base_url"`
	// StorePath is the SQLite session store location. Empty selects the
	// in-memory store, which does not survive restarts.
	StorePath string `yaml:"store_path"`
	// LogLevel is a zerolog level name: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// BusinessID scopes new conversations to one business when set.
	BusinessID int64 `yaml:"business_id"`
	// Context is attached verbatim to every outbound message.
	Context map[string]any `yaml:"context"`
	// HistoryCap bounds per-conversation history; 0 keeps the default.
	HistoryCap int `yaml:"history_cap"`
	// BackoffMinMS and BackoffMaxMS bound the reconnect backoff in
	// milliseconds; 0 keeps the defaults (1000 and 15000).
	BackoffMinMS int `yaml:"backoff_min_ms"`
	BackoffMaxMS int `yaml:"backoff_max_ms"`
}

func Default() Config {
	return Config{
		BaseURL:  "http://localhost:8080",
		LogLevel: "info",
	}
}

// Load reads and validates a YAML config file. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = def.BaseURL
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil {
		return errors.Wrap(err, "config: parse base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("config: base_url scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.Errorf("config: base_url %q has no host", c.BaseURL)
	}
	if c.BusinessID < 0 {
		return errors.Errorf("config: business_id %d is negative", c.BusinessID)
	}
	if c.WSBaseURL != "" {
		wu, err := url.Parse(strings.TrimSpace(c.WSBaseURL))
		if err != nil {
			return errors.Wrap(err, "config: parse ws_base_url")
		}
		switch wu.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return errors.Errorf("config: ws_base_url scheme %q is not usable for websockets", wu.Scheme)
		}
		if wu.Host == "" {
			return errors.Errorf("config: ws_base_url %q has no host", c.WSBaseURL)
		}
	}
	if c.HistoryCap < 0 {
		return errors.Errorf("config: history_cap %d is negative", c.HistoryCap)
	}
	if c.BackoffMinMS < 0 || c.BackoffMaxMS < 0 {
		return errors.New("config: backoff bounds must not be negative")
	}
	if c.BackoffMinMS > 0 && c.BackoffMaxMS > 0 && c.BackoffMinMS > c.BackoffMaxMS {
		return errors.Errorf("config: backoff_min_ms %d exceeds backoff_max_ms %d", c.BackoffMinMS, c.BackoffMaxMS)
	}
	if c.StorePath != "" {
		dir := filepath.Dir(c.StorePath)
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return errors.Errorf("config: store_path parent %s is not a directory", dir)
		}
	}
	return nil
}
