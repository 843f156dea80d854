// Package config loads the pagesync client configuration from a YAML file
// and PAGESYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRelayURL          = "ws://127.0.0.1:8080/v1/rooms"
	DefaultDir               = ".pagesync/pages"
	DefaultStorePath         = ".pagesync/pages.db"
	DefaultDebounceDelay     = time.Second
	DefaultSaveTimeout       = 10 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultReconnectJitter   = 0.2
	DefaultSessionMaxBytes   = 64 * 1024
)

var ErrInvalidConfig = errors.New("invalid config")

// Client is the configuration of one pagesync client process.
type Client struct {
	RelayURL          string        `yaml:"relay_url"`
	BackendURL        string        `yaml:"backend_url,omitempty"`
	Token             string        `yaml:"token,omitempty"`
	UserID            string        `yaml:"user_id,omitempty"`
	UserName          string        `yaml:"user_name,omitempty"`
	ProjectID         string        `yaml:"project_id"`
	Dir               string        `yaml:"dir"`
	StorePath         string        `yaml:"store_path"`
	StoreMaxBytes     int64         `yaml:"store_max_bytes,omitempty"`
	SessionMaxBytes   int64         `yaml:"session_max_bytes,omitempty"`
	SelectionSync     bool          `yaml:"selection_sync"`
	MaxTombstones     int           `yaml:"max_tombstones,omitempty"`
	DebounceDelay     time.Duration `yaml:"debounce_delay"`
	SaveTimeout       time.Duration `yaml:"save_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter"`
}

// Default returns the built-in client configuration.
func Default() Client {
	return Client{
		RelayURL:          DefaultRelayURL,
		Dir:               DefaultDir,
		StorePath:         DefaultStorePath,
		SessionMaxBytes:   DefaultSessionMaxBytes,
		DebounceDelay:     DefaultDebounceDelay,
		SaveTimeout:       DefaultSaveTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		ReconnectJitter:   DefaultReconnectJitter,
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty, then applies PAGESYNC_* environment overrides.
func Load(path string) (Client, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Client{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Client{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Keys absent from data keep their current value.
func Parse(data []byte, cfg *Client) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	return yaml.Unmarshal(data, cfg)
}

// Marshal renders cfg as YAML.
func Marshal(cfg Client) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ApplyEnv overrides fields from PAGESYNC_* variables. Malformed values are
// reported rather than ignored.
func (c *Client) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup("PAGESYNC_" + key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	strs := map[string]*string{
		"RELAY_URL":   &c.RelayURL,
		"BACKEND_URL": &c.BackendURL,
		"TOKEN":       &c.Token,
		"USER_ID":     &c.UserID,
		"USER_NAME":   &c.UserName,
		"PROJECT_ID":  &c.ProjectID,
		"DIR":         &c.Dir,
		"STORE_PATH":  &c.StorePath,
	}
	for key, dst := range strs {
		if value, ok := get(key); ok {
			*dst = value
		}
	}

	var errs []error
	durations := map[string]*time.Duration{
		"DEBOUNCE_DELAY":     &c.DebounceDelay,
		"SAVE_TIMEOUT":       &c.SaveTimeout,
		"CONNECT_TIMEOUT":    &c.ConnectTimeout,
		"RECONNECT_INTERVAL": &c.ReconnectInterval,
	}
	for key, dst := range durations {
		if value, ok := get(key); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("PAGESYNC_%s: %w", key, err))
				continue
			}
			*dst = parsed
		}
	}
	int64s := map[string]*int64{
		"STORE_MAX_BYTES":   &c.StoreMaxBytes,
		"SESSION_MAX_BYTES": &c.SessionMaxBytes,
	}
	for key, dst := range int64s {
		if value, ok := get(key); ok {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("PAGESYNC_%s: %w", key, err))
				continue
			}
			*dst = parsed
		}
	}
	if value, ok := get("MAX_TOMBSTONES"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAGESYNC_MAX_TOMBSTONES: %w", err))
		} else {
			c.MaxTombstones = parsed
		}
	}
	if value, ok := get("SELECTION_SYNC"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAGESYNC_SELECTION_SYNC: %w", err))
		} else {
			c.SelectionSync = parsed
		}
	}
	if value, ok := get("RECONNECT_JITTER"); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PAGESYNC_RECONNECT_JITTER: %w", err))
		} else {
			c.ReconnectJitter = parsed
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the fields a client cannot run without.
func (c Client) Validate() error {
	switch {
	case strings.TrimSpace(c.RelayURL) == "":
		return fmt.Errorf("%w: relay url is required", ErrInvalidConfig)
	case strings.TrimSpace(c.ProjectID) == "":
		return fmt.Errorf("%w: project id is required", ErrInvalidConfig)
	case strings.TrimSpace(c.Dir) == "":
		return fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	case c.DebounceDelay <= 0:
		return fmt.Errorf("%w: debounce delay must be positive", ErrInvalidConfig)
	case c.ReconnectInterval <= 0:
		return fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidConfig)
	case c.MaxTombstones < 0:
		return fmt.Errorf("%w: max tombstones must not be negative", ErrInvalidConfig)
	}
	return nil
}
