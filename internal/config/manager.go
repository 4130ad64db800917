package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultPaths are tried, in order, when no explicit config path is given.
var DefaultPaths = []string{"hookpost.yaml", "hookpost.yml", "hookpost.json"}

const (
	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 5
)

// Load reads the config file at path. With an empty path the first existing
// file from DefaultPaths is used; when none exists an empty Config is
// returned. An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		for _, candidate := range DefaultPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return &Config{}, nil
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. The format is picked from the path extension.
// Unknown fields and trailing data are rejected.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for i, w := range c.Webhooks {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return fmt.Errorf("webhooks[%d].name: required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("webhooks[%d].name: duplicate %q", i, name)
		}
		seen[name] = struct{}{}
		if err := CheckURL(w.URL); err != nil {
			return fmt.Errorf("webhooks[%d].url: %w", i, err)
		}
	}
	for i, name := range c.DefaultWebhooks {
		if _, ok := seen[strings.TrimSpace(name)]; !ok {
			return fmt.Errorf("default_webhooks[%d]: unknown webhook %q", i, name)
		}
	}
	if _, err := ParseDurationField("defaults.timeout", c.Defaults.Timeout); err != nil {
		return err
	}
	if c.Defaults.RatePerSec < 0 {
		return fmt.Errorf("defaults.rate_per_sec: must be >= 0")
	}
	names := map[string]struct{}{}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("schedules[%d].name: required", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("schedules[%d].name: duplicate %q", i, s.Name)
		}
		names[s.Name] = struct{}{}
		if strings.TrimSpace(s.Spec) == "" {
			return fmt.Errorf("schedules[%d].spec: required", i)
		}
	}
	return nil
}

// Webhook looks up a configured webhook by name.
func (c *Config) Webhook(name string) (Webhook, bool) {
	name = strings.TrimSpace(name)
	for _, w := range c.Webhooks {
		if w.Name == name {
			return w, true
		}
	}
	return Webhook{}, false
}

// Timeout returns defaults.timeout or 10s.
func (c *Config) Timeout() time.Duration {
	d, err := ParseDurationOrDefault("defaults.timeout", c.Defaults.Timeout, defaultTimeout)
	if err != nil {
		return defaultTimeout
	}
	return d
}

// Retry reports whether the single 429 retry is enabled (default true).
func (c *Config) Retry() bool {
	if c.Defaults.Retry == nil {
		return true
	}
	return *c.Defaults.Retry
}

// RatePerSec returns defaults.rate_per_sec or 5.
func (c *Config) RatePerSec() int {
	if c.Defaults.RatePerSec <= 0 {
		return defaultRatePerSec
	}
	return c.Defaults.RatePerSec
}

// CheckURL verifies raw is an absolute http(s) URL with a host.
func CheckURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		// url.Parse errors echo the input, which may carry the webhook secret.
		return fmt.Errorf("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}
