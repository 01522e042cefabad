package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds xferctl's full configuration: which backend engine to build
// and the parameters each accepts.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	Backend  string `mapstructure:"backend"` // "rconn" or "multirail"
	Agent    string `mapstructure:"agent"`

	Rconn     RconnConfig     `mapstructure:"rconn"`
	Multirail MultirailConfig `mapstructure:"multirail"`
}

// RconnConfig configures the single-transport backend (backend/rconn).
type RconnConfig struct {
	Device         string `mapstructure:"device"`
	Port           int    `mapstructure:"port"`
	PortIndex      int    `mapstructure:"port_index"`
	MTU            int    `mapstructure:"mtu"`
	NumWorkers     int    `mapstructure:"num_workers"`
	ErrHandling    string `mapstructure:"err_handling_mode"`
	ProgressThread bool   `mapstructure:"progress_thread_enabled"`
}

// MultirailConfig configures the multi-rail backend (backend/multirail).
type MultirailConfig struct {
	DataRails         string `mapstructure:"data_rails"`
	NumControlRails   int    `mapstructure:"num_control_rails"`
	Provider          string `mapstructure:"provider"`
	StripingThreshold uint64 `mapstructure:"striping_threshold"`
	ProgressThread    bool   `mapstructure:"progress_thread_enabled"`
}

// loadConfig reads xferctl's YAML config (if present) layered under
// environment variable overrides (XFERCTL_*) and the given defaults,
// mirroring the precedence the pack's object-storage CLI establishes:
// flags > env > file > defaults.
func loadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("xferctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/xferctl")
		v.AddConfigPath("$HOME/.xferctl")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("XFERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("backend", "rconn")
	v.SetDefault("agent", "")

	v.SetDefault("rconn.port", 1)
	v.SetDefault("rconn.port_index", 0)
	v.SetDefault("rconn.mtu", 5) // IBV_MTU_4096
	v.SetDefault("rconn.num_workers", 1)
	v.SetDefault("rconn.err_handling_mode", "none")
	v.SetDefault("rconn.progress_thread_enabled", true)

	v.SetDefault("multirail.num_control_rails", 1)
	v.SetDefault("multirail.provider", "efa")
	v.SetDefault("multirail.striping_threshold", uint64(1<<20))
	v.SetDefault("multirail.progress_thread_enabled", true)
}
