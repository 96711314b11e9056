// Package config loads the service configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. A double underscore separates
// sections: SAVERESTORE_POLL__INTERVAL=2s sets poll.interval.
const EnvPrefix = "SAVERESTORE_"

type Config struct {
	Machine   MachineConfig   `koanf:"machine"`
	Poll      PollConfig      `koanf:"poll"`
	Restore   RestoreConfig   `koanf:"restore"`
	Transport TransportConfig `koanf:"transport"`
	Storage   StorageConfig   `koanf:"storage"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
}

type MachineConfig struct {
	// Configuration is "<definition path>" or "<definition path>#<sequence>".
	Configuration string `koanf:"configuration"`
	Watch         bool   `koanf:"watch"`
}

type PollConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type RestoreConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	WriteRate  float64       `koanf:"write_rate"`
	WriteBurst int           `koanf:"write_burst"`
}

type TransportConfig struct {
	MaxWorkers int `koanf:"max_workers"`
	QueueSize  int `koanf:"queue_size"`
}

type StorageConfig struct {
	DBPath       string        `koanf:"db_path"`
	History      bool          `koanf:"history"`
	HistoryQueue int           `koanf:"history_queue"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
	Epsilon      float64       `koanf:"epsilon"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads path (optional) and then the environment, and applies defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// envKey maps SAVERESTORE_STORAGE__DB_PATH to storage.db_path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 5 * time.Second
	}
	if c.Restore.Timeout <= 0 {
		c.Restore.Timeout = 10 * time.Second
	}
	if c.Restore.WriteBurst <= 0 {
		c.Restore.WriteBurst = 1
	}
	if c.Transport.MaxWorkers <= 0 {
		c.Transport.MaxWorkers = 10
	}
	if c.Transport.QueueSize <= 0 {
		c.Transport.QueueSize = 1000
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/saverestore.db"
	}
	if c.Storage.HistoryQueue <= 0 {
		c.Storage.HistoryQueue = 1000
	}
	if c.Storage.CacheTTL <= 0 {
		c.Storage.CacheTTL = time.Hour
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Machine.Configuration) == "" {
		errs = append(errs, errors.New("machine.configuration is required"))
	}
	if c.Restore.WriteRate < 0 {
		errs = append(errs, errors.New("restore.write_rate must not be negative"))
	}
	if c.Storage.Epsilon < 0 {
		errs = append(errs, errors.New("storage.epsilon must not be negative"))
	}
	return errors.Join(errs...)
}
