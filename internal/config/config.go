// Package config loads deployment-time overrides for the library locator:
// the search path and the reserved-name table. These are
// deployment concerns, not code changes — a musl-based target ships a
// different reserved-name set than a glibc one (no xnet), and a sandboxed
// target may want a search path rooted somewhere other than /lib.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/dynld/internal/engine"
)

// Config is the on-disk shape read by -c/--config.
type Config struct {
	SearchPath    []string `yaml:"search_path"`
	ReservedNames []string `yaml:"reserved_names"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &c, nil
}

// EngineOptions translates a Config into engine.Bootstrap options. A nil
// Config (no -c/--config given) yields no overrides, so the engine falls
// back to its own built-in defaults.
func (c *Config) EngineOptions() []engine.Option {
	if c == nil {
		return nil
	}
	var opts []engine.Option
	if len(c.SearchPath) > 0 {
		opts = append(opts, engine.WithSearchPath(c.SearchPath))
	}
	if len(c.ReservedNames) > 0 {
		names := make(map[string]bool, len(c.ReservedNames))
		for _, n := range c.ReservedNames {
			names[n] = true
		}
		opts = append(opts, engine.WithReservedNames(names))
	}
	return opts
}
