package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load reads configuration from the given TOML file path, falling back to
// the well-known locations when path is empty. Environment variables
// override file values; flag handling on top of that is the caller's job.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".syncd", "config.toml"))
	}
	candidates = append(candidates, "/etc/syncd/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_DB_URL"); v != "" {
		_ = cfg.Database.ParseURI(v)
	}
	if v := os.Getenv("SYNCD_SLOT"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
