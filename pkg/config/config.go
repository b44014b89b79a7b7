// Package config loads daemon configuration from an optional YAML file
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds daemon settings.
type Config struct {
	// Addr is the listen address for the sync server.
	Addr string `yaml:"addr"`
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`
	// AuthToken is the token connections must present. Overridden by
	// THREADKIT_AUTH_TOKEN.
	AuthToken string `yaml:"auth_token"`
	// AuthTimeout bounds the auth handshake per connection.
	AuthTimeout Duration `yaml:"auth_timeout"`
	// IdleTTL is how long an unused in-memory thread survives.
	IdleTTL Duration `yaml:"idle_ttl"`
	// SweepInterval is how often idle threads are evicted.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":8391",
		DBPath:        "threadkit.db",
		AuthTimeout:   Duration(10 * time.Second),
		IdleTTL:       Duration(time.Hour),
		SweepInterval: Duration(time.Minute),
	}
}

// Load reads the config file at path, layered over defaults. An empty
// path skips the file. THREADKIT_AUTH_TOKEN overrides the token either
// way.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if tok := os.Getenv("THREADKIT_AUTH_TOKEN"); tok != "" {
		cfg.AuthToken = tok
	}
	return cfg, nil
}
