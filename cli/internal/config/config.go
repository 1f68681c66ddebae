// Package config persists the CLI's sync and consolidation settings in
// the user's home directory.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const fileName = ".sessionfold.yaml"

// Config holds the CLI configuration.
type Config struct {
	Server   string `yaml:"server"`
	APIKey   string `yaml:"api_key"`
	ClientID string `yaml:"client_id"`

	// EventsDir is where raw event JSONL logs live. Empty means
	// ~/.sessionfold/events.
	EventsDir string `yaml:"events_dir"`

	// BucketMinutes and BucketCount override the consolidation window
	// geometry. Leave unset for the contract defaults (360, 4) that
	// downstream reports are built on.
	BucketMinutes int `yaml:"bucket_minutes,omitempty"`
	BucketCount   int `yaml:"bucket_count,omitempty"`
}

// Path returns the config file location, ~/.sessionfold.yaml.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, fileName), nil
}

// DefaultEventsDir returns the events directory used when the config
// does not name one.
func DefaultEventsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".sessionfold", "events"), nil
}

// Load reads the config, returning an empty one when none exists yet.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config with owner-only permissions, minting a client
// id on first save so the server can tell ingest sources apart.
func Save(cfg *Config) error {
	if cfg.ClientID == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		cfg.ClientID = hex.EncodeToString(buf)
	}

	path, err := Path()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
