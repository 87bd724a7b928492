// Package config loads the application configuration from a YAML or JSON file
// with PA_ environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"procarray.ai/internal/metrics"
	"procarray.ai/internal/persistence/r2s3"
)

type Config struct {
	Sim         SimConfig         `json:"sim"`
	Persistence PersistenceConfig `json:"persistence"`
	Metrics     metrics.Config    `json:"metrics"`
	Observer    ObserverConfig    `json:"observer"`
	Log         LogConfig         `json:"log"`
}

type SimConfig struct {
	// TickRateHz is the host loop rate; 0 runs ticks back to back.
	TickRateHz int `json:"tick_rate_hz"`
	// ConfigDir holds families.json and recipes.json.
	ConfigDir  string `json:"config_dir"`
	TuningPath string `json:"tuning_path"`
	Scenario   string `json:"scenario"`
}

func (c *SimConfig) SetDefaults() {
	if c.ConfigDir == "" {
		c.ConfigDir = "configs"
	}
	if c.TuningPath == "" {
		c.TuningPath = filepath.Join(c.ConfigDir, "tuning.yaml")
	}
}

func (c SimConfig) Validate() error {
	if c.TickRateHz < 0 || c.TickRateHz > 1000 {
		return fmt.Errorf("sim.tick_rate_hz out of range: %d", c.TickRateHz)
	}
	return nil
}

type PersistenceConfig struct {
	// DataDir receives tick logs, snapshots and the index database. Empty
	// disables persistence.
	DataDir            string `json:"data_dir"`
	SnapshotEveryTicks int    `json:"snapshot_every_ticks"`
	IndexDB            bool   `json:"index_db"`
	TickLog            bool   `json:"tick_log"`
	// Archive copies the final snapshot of each run to data_dir/archives.
	Archive            bool   `json:"archive"`

	Mirror MirrorConfig `json:"mirror"`
}

// MirrorConfig uploads snapshots and run archives to an S3-compatible bucket.
type MirrorConfig struct {
	Enabled bool        `json:"enabled"`
	S3      r2s3.Config `json:"s3"`
}

func (c *PersistenceConfig) SetDefaults() {
	if c.SnapshotEveryTicks == 0 {
		c.SnapshotEveryTicks = 200
	}
}

func (c PersistenceConfig) Validate() error {
	if c.SnapshotEveryTicks < 0 {
		return fmt.Errorf("persistence.snapshot_every_ticks must be >= 0")
	}
	if c.DataDir == "" && (c.IndexDB || c.TickLog) {
		return fmt.Errorf("persistence.data_dir is required for index_db and tick_log")
	}
	if c.Archive && c.DataDir == "" {
		return fmt.Errorf("persistence.data_dir is required for archive")
	}
	if c.Mirror.Enabled && (c.DataDir == "" || c.Mirror.S3.Bucket == "") {
		return fmt.Errorf("persistence.mirror needs data_dir and s3.bucket")
	}
	return nil
}

type ObserverConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func (c *ObserverConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
}

type LogConfig struct {
	Level string `json:"level"`
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", c.Level)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func (c *Config) SetDefaults() {
	c.Sim.SetDefaults()
	c.Persistence.SetDefaults()
	c.Metrics.SetDefaults()
	c.Observer.SetDefaults()
	c.Log.SetDefaults()
}

func (c Config) Validate() error {
	if err := c.Sim.Validate(); err != nil {
		return err
	}
	if err := c.Persistence.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Load reads path and applies PA_ environment overrides; PA_SIM__TICK_RATE_HZ
// sets sim.tick_rate_hz.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("PA_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "pa_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
