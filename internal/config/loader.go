package config

import (
	"fmt"
	"os"

	"parrotd/internal/common/fsutil"
)

// Load reads a configuration file based on its extension and applies
// defaults. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := fsutil.Decode(path, b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if cfg.Registry.EnginesDir != "" {
		if cfg.Registry.EnginesDir, err = fsutil.ExpandHome(cfg.Registry.EnginesDir); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// Default returns a Config with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}
