// Package config loads the registry configuration from a yaml file.
// A missing file means defaults; bad values in the scoring block are the
// operator's problem, not validated here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kittclouds/resonance/pkg/resonance"
)

// Config is the on-disk configuration.
type Config struct {
	DataDir string           `yaml:"data_dir"`
	LogFile string           `yaml:"log_file"`
	Verbose bool             `yaml:"verbose"`
	Scoring resonance.Params `yaml:"scoring"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".resonance")
	return Config{
		DataDir: base,
		LogFile: filepath.Join(base, "resonance.log"),
		Scoring: resonance.DefaultParams(),
	}
}

// Load reads path over the defaults. An absent file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
