// Package config loads the host-shell configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the lockbox host configuration.
type Config struct {
	VaultDir     string   `yaml:"vault_dir"`
	StagingDir   string   `yaml:"staging_dir"`
	LogFile      string   `yaml:"log_file"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	LockDebounce Duration `yaml:"lock_debounce"`
	SettleDelay  Duration `yaml:"settle_delay"`
	Debug        bool     `yaml:"debug"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".lockbox")
	return Config{
		VaultDir:     filepath.Join(root, "vault"),
		StagingDir:   filepath.Join(root, "staging"),
		LogFile:      filepath.Join(root, "lockbox.log"),
		IdleTimeout:  Duration(60 * time.Second),
		LockDebounce: Duration(500 * time.Millisecond),
		SettleDelay:  Duration(300 * time.Millisecond),
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}
