package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the YAML config at path into cfg, applying env overrides.
// A missing or malformed file is returned as an error; callers treat it
// as fatal at startup.
func Load(path string, cfg any) error {
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}
