package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the callm configuration file (~/.config/callm/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model  string `yaml:"model"`
	Device string `yaml:"device"`
	Engine string `yaml:"engine"`

	Temperature *float64 `yaml:"temperature"`
	TopK        *int     `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	Seed        *uint64  `yaml:"seed"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Serve struct {
		Address string `yaml:"address"`
	} `yaml:"serve"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "callm", "config.yaml")
}

// LoadConfig reads path. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// apply fills settings from cfg where the corresponding flag was not set.
func (cfg Config) apply(c *cli.Command, s *settings) {
	if cfg.Model != "" && !c.IsSet("model") {
		s.model = cfg.Model
	}
	if cfg.Device != "" && !c.IsSet("device") {
		s.device = cfg.Device
	}
	if cfg.Engine != "" && !c.IsSet("engine") {
		s.engine = cfg.Engine
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		s.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		s.topK = cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		s.topP = cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		s.seed = cfg.Seed
	}
}
