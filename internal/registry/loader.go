// Package registry tracks backend inference engines: their static
// configuration, remaining task capacity, runtime telemetry and liveness.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"parrotd/internal/common/fsutil"
	"parrotd/pkg/types"
)

// LoadDir reads one engine configuration per *.yaml, *.yml, *.json or *.toml
// file in dir, sorted by filename. Other files are ignored.
func LoadDir(dir string) ([]types.EngineConfig, error) {
	files, err := fsutil.ConfigFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]types.EngineConfig, 0, len(files))
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(p)
		var cfg types.EngineConfig
		if err := fsutil.Decode(name, b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		out = append(out, cfg)
	}
	return out, nil
}
