// Package config loads the adapter configuration file and resolves it into
// the effective runtime settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"climcp/internal/filter"
)

// HTTPSection holds the HTTP transport settings.
type HTTPSection struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AuthToken      string        `mapstructure:"authToken" yaml:"authToken"`
	EventLogLimit  int           `mapstructure:"eventLogLimit" yaml:"eventLogLimit"`
	EventRetention time.Duration `mapstructure:"eventRetention" yaml:"eventRetention"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout" yaml:"idleTimeout"`
	SweepInterval  time.Duration `mapstructure:"sweepInterval" yaml:"sweepInterval"`
}

// Config is the full configuration file shape: the filter sections at the
// top level plus transport and logging settings.
type Config struct {
	Filter   filter.Config `mapstructure:",squash" yaml:",inline"`
	HTTP     HTTPSection   `mapstructure:"http" yaml:"http"`
	LogLevel string        `mapstructure:"logLevel" yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Filter: filter.Default(),
		HTTP: HTTPSection{
			Addr: "127.0.0.1:8832",
		},
		LogLevel: "info",
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("toolLimits.maxTools", filter.DefaultMaxTools)
	v.SetDefault("toolLimits.strategy", string(filter.StrategyPrioritize))
	v.SetDefault("selfId", filter.DefaultSelfID)
	v.SetDefault("http.addr", "127.0.0.1:8832")
	v.SetDefault("logLevel", "info")
	return v
}

// Load reads the configuration file at path. An empty path yields the
// defaults. YAML and JSON files are both accepted, keyed by extension.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Dump renders a configuration as YAML, in the same shape Load reads.
func Dump(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
