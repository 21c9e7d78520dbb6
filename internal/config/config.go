// Package config loads the rootshare YAML configuration and fills in
// defaults so the rest of the program sees complete values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the listen address. Default: ":8000".
	Addr string `yaml:"addr"`

	// StateDir stores users, roots, links, resumable uploads and thumbs.
	// Default: ./rootshare-data
	StateDir string `yaml:"state_dir"`

	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	Links   LinksConfig   `yaml:"links"`
	Store   StoreConfig   `yaml:"store"`
	Upload  UploadConfig  `yaml:"upload"`
	Login   LoginConfig   `yaml:"login"`

	// Roots is only used the first time the server starts with an empty
	// state dir. Afterwards roots are managed through the admin API.
	// Default: a single root "uploads" at <state_dir>/uploads.
	Roots []RootConfig `yaml:"roots"`

	// FollowSymlinks lets resolution follow links that stay inside their root.
	// Default: false (any symlink component is rejected).
	FollowSymlinks bool `yaml:"follow_symlinks"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Binding is "ip" (default) or "none".
	Binding string `yaml:"binding"`
	// SinglePerUser revokes older sessions on login. Default: true.
	SinglePerUser *bool `yaml:"single_per_user"`
	// ExtendInterval rate-limits expiry renewal during transfers.
	ExtendInterval time.Duration `yaml:"extend_interval"`
}

type LinksConfig struct {
	// TTL of zero keeps public links until they are deleted.
	TTL time.Duration `yaml:"ttl"`
	// BaseURL prefixes public link URLs, e.g. "https://files.example.org".
	// Empty means URLs are built from the incoming request's Host.
	BaseURL string `yaml:"base_url"`
}

type StoreConfig struct {
	// Driver is "json" (default) or "bolt".
	Driver string `yaml:"driver"`
}

type UploadConfig struct {
	MaxMB int64 `yaml:"max_mb"`
	// StaleAfter prunes resumable uploads that stopped making progress.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LoginConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

type RootConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// Load reads path (if non-empty), applies defaults and validates.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.Finalize(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Finalize applies defaults, makes paths absolute and validates. Call it
// again after overriding fields from flags.
func (c *Config) Finalize() error {
	applyDefaults(c)
	abs, err := filepath.Abs(c.StateDir)
	if err != nil {
		return err
	}
	c.StateDir = abs
	for i := range c.Roots {
		if c.Roots[i].Path == "" {
			continue
		}
		if p, err := filepath.Abs(c.Roots[i].Path); err == nil {
			c.Roots[i].Path = p
		}
	}
	return validate(c)
}

func (c *Config) SinglePerUser() bool {
	return c.Session.SinglePerUser == nil || *c.Session.SinglePerUser
}

func (c *Config) MaxUploadBytes() int64 {
	return c.Upload.MaxMB << 20
}

func applyDefaults(c *Config) {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = "./rootshare-data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 5 * time.Hour
	}
	if c.Session.Binding == "" {
		c.Session.Binding = "ip"
	}
	if c.Session.ExtendInterval == 0 {
		c.Session.ExtendInterval = time.Minute
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "json"
	}
	if c.Upload.MaxMB == 0 {
		c.Upload.MaxMB = 10240
	}
	if c.Upload.StaleAfter == 0 {
		c.Upload.StaleAfter = 24 * time.Hour
	}
	if c.Login.MaxAttempts == 0 {
		c.Login.MaxAttempts = 10
	}
	if c.Login.Window == 0 {
		c.Login.Window = time.Minute
	}
	c.Links.BaseURL = strings.TrimRight(strings.TrimSpace(c.Links.BaseURL), "/")
}

func validate(c *Config) error {
	if c.Session.TTL < time.Minute {
		return errors.New("session.ttl must be at least 1m")
	}
	switch strings.ToLower(c.Session.Binding) {
	case "ip", "none":
	default:
		return fmt.Errorf("session.binding %q is invalid (ip|none)", c.Session.Binding)
	}
	if c.Session.ExtendInterval < 0 {
		return errors.New("session.extend_interval is invalid")
	}
	if c.Links.TTL < 0 {
		return errors.New("links.ttl is invalid")
	}
	if c.Links.BaseURL != "" && !strings.HasPrefix(c.Links.BaseURL, "http://") && !strings.HasPrefix(c.Links.BaseURL, "https://") {
		return errors.New("links.base_url must start with http:// or https://")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "json", "bolt", "bbolt":
	default:
		return fmt.Errorf("store.driver %q is invalid (json|bolt)", c.Store.Driver)
	}
	if c.Upload.MaxMB < 1 || c.Upload.MaxMB > 1<<20 {
		return errors.New("upload.max_mb is invalid")
	}
	if c.Login.MaxAttempts < 1 {
		return errors.New("login.max_attempts is invalid")
	}
	if c.Login.Window <= 0 {
		return errors.New("login.window is invalid")
	}
	for i, r := range c.Roots {
		if strings.TrimSpace(r.Path) == "" {
			return fmt.Errorf("roots[%d].path is required", i)
		}
	}
	return nil
}
