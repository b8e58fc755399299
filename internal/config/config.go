package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceholderKey is used when no store key is supplied. Queries still work
// against backends that allow anonymous reads; authenticated ones will 401.
const PlaceholderKey = "anonymous"

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	API     APIConfig     `yaml:"api"`
	Watch   WatchConfig   `yaml:"watch"`
	Rules   RulesConfig   `yaml:"rules"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the hosted data service connection
type StoreConfig struct {
	URL           string        `yaml:"url"`      // query API base URL
	Key           string        `yaml:"key"`      // apikey header value
	NATSURL       string        `yaml:"nats_url"` // change-event channel
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"` // query HTTP timeout
}

// APIConfig configures the analytics backend REST client
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WatchConfig configures live table subscriptions
type WatchConfig struct {
	// PrimaryKeys maps "schema.table" to its key column. Tables with a
	// declared key use key-based event matching instead of the serialized
	// equality heuristic.
	PrimaryKeys map[string]string `yaml:"primary_keys"`
}

// RulesConfig configures event transformation for the watch command
type RulesConfig struct {
	Enabled bool         `yaml:"enabled"`
	Script  string       `yaml:"script"` // JavaScript transform, takes precedence over rules
	Rules   []RuleConfig `yaml:"rules"`
}

// RuleConfig is one declarative transformation rule
type RuleConfig struct {
	Schema    string            `yaml:"schema"` // empty = all schemas
	Table     string            `yaml:"table"`  // empty = all tables
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads the YAML config file, applies environment overrides
// (STORE_URL, STORE_KEY, API_BASE_URL) and fills in defaults. A missing
// store key degrades authentication only; it never prevents startup.
func LoadConfig(path string) (*Config, error) {
	var config Config

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment wins over the file
	if v := os.Getenv("STORE_URL"); v != "" {
		config.Store.URL = v
	}
	if v := os.Getenv("STORE_KEY"); v != "" {
		config.Store.Key = v
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		config.API.BaseURL = v
	}

	// Set defaults
	if config.Store.Key == "" {
		config.Store.Key = PlaceholderKey
	}
	if config.Store.NATSURL == "" {
		config.Store.NATSURL = "nats://127.0.0.1:4222"
	}
	if config.Store.MaxReconnect == 0 {
		config.Store.MaxReconnect = 10
	}
	if config.Store.ReconnectWait == 0 {
		config.Store.ReconnectWait = 2 * time.Second
	}
	if config.Store.Timeout == 0 {
		config.Store.Timeout = 15 * time.Second
	}
	if config.API.Timeout == 0 {
		config.API.Timeout = 15 * time.Second
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return &config, nil
}

// Validate checks the fields required by every command
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required (or set STORE_URL)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (or set API_BASE_URL)")
	}
	return nil
}
