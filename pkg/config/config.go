// Package config loads the membank service configuration.
package config

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/membank/membank/pkg/paths"
)

// Config holds the service configuration. Every field has a usable
// default; a config file only needs to name what it changes.
type Config struct {
	// ListenAddr is the address the API server listens on. Supports
	// "host:port", "unix:///path.sock" and "fd://N".
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the path to the SQLite database file. The special
	// value ":memory-store:" selects the non-persistent in-memory store.
	DatabasePath string `yaml:"database_path"`

	// APIKey protects the API when non-empty. Also settable via the
	// MEMBANK_API_KEY environment variable, which takes precedence.
	APIKey string `yaml:"api_key"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:   ":8283",
		DatabasePath: filepath.Join(paths.GetDataDir(), "membank.db"),
	}
}

// Load reads the config file at path and overlays it on the defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file\n%s", yaml.FormatError(err, true, true))
		}

		cfg.ListenAddr = cmp.Or(fileCfg.ListenAddr, cfg.ListenAddr)
		cfg.DatabasePath = cmp.Or(fileCfg.DatabasePath, cfg.DatabasePath)
		cfg.APIKey = cmp.Or(fileCfg.APIKey, cfg.APIKey)
	}

	cfg.APIKey = cmp.Or(os.Getenv("MEMBANK_API_KEY"), cfg.APIKey)

	return cfg, nil
}
