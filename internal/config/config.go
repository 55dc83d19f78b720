// Package config provides optional YAML tuning for the watcher and
// transport. It does not replace the external CLI contract (spec.md §6),
// which remains a single positional root-path argument — this is a
// secondary surface for the non-functional tunables spec.md leaves as
// approximations ("~1s", "~60s").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming a YAML file to load. When unset
// or pointing to a nonexistent file, Load returns Default() unchanged.
const EnvVar = "TANGLE_CONFIG"

// Config holds every tunable the watcher, transport, and ignore policy
// accept. Durations are expressed as Go duration strings in the YAML file
// (e.g. "1s", "60s").
type Config struct {
	// KqueueWait bounds how long the Watcher's event loop blocks in a
	// single kevent(2) wait before checking the shutdown control channel
	// (spec.md §4.1's "~1s").
	KqueueWait time.Duration `yaml:"kqueue_wait"`

	// ConnectTimeout bounds how long the Watcher retries connecting to the
	// Transport's rendezvous socket before aborting (spec.md §4.2's "~60s").
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Rendezvous is the filesystem path for the local stream socket
	// (spec.md §6, default ".sock" in the working directory).
	Rendezvous string `yaml:"rendezvous"`

	// IgnoreDirs and IgnoreFilePrefixes configure the ignore.Policy
	// (spec.md §4.1).
	IgnoreDirs         []string `yaml:"ignore_dirs"`
	IgnoreFilePrefixes []string `yaml:"ignore_file_prefixes"`
}

// Default returns the tunables exactly as the literal values spec.md names.
func Default() Config {
	return Config{
		KqueueWait:         time.Second,
		ConnectTimeout:     60 * time.Second,
		Rendezvous:         ".sock",
		IgnoreDirs:         []string{".git", "CVS", ".svn", ".hg"},
		IgnoreFilePrefixes: []string{".#"},
	}
}

// Load returns Default(), overridden by the YAML file named by the EnvVar
// environment variable, if set and present. A path that exists but cannot be
// read is an error; an unset variable or a path naming no file is not.
func Load() (Config, error) {
	cfg := Default()

	path := os.Getenv(EnvVar)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var errs []error
	if cfg.KqueueWait <= 0 {
		errs = append(errs, errors.New("kqueue_wait must be positive"))
	}
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if cfg.Rendezvous == "" {
		errs = append(errs, errors.New("rendezvous must not be empty"))
	}
	if cfg.IgnoreDirs == nil {
		errs = append(errs, errors.New("ignore_dirs must not be null"))
	}
	if cfg.IgnoreFilePrefixes == nil {
		errs = append(errs, errors.New("ignore_file_prefixes must not be null"))
	}
	return errors.Join(errs...)
}
