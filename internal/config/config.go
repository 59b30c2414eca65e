// Package config loads the multicast plane configuration from a YAML file,
// filling unset fields with the defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/mcast"
	"kcp-multicast/internal/netutil"
)

type Multicast struct {
	Prefix               string `yaml:"prefix"`
	PortMin              uint16 `yaml:"port_min"`
	PortMax              uint16 `yaml:"port_max"`
	TTL                  int    `yaml:"ttl"`
	Loopback             bool   `yaml:"loopback"`
	RetransmitIntervalMs int    `yaml:"retransmit_interval_ms"`
}

type Config struct {
	Multicast Multicast `yaml:"multicast"`
	LogLevel  string    `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Multicast: Multicast{
			Prefix:               "239.255.",
			PortMin:              30000,
			PortMax:              40000,
			TTL:                  1,
			Loopback:             false,
			RetransmitIntervalMs: 500,
		},
		LogLevel: "INFO",
	}
}

// Load reads path and unmarshals it over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := netutil.ParsePrefix2(c.Multicast.Prefix); err != nil {
		return err
	}
	if c.Multicast.PortMin == 0 || c.Multicast.PortMax == 0 {
		return fmt.Errorf("port range must not include 0")
	}
	if c.Multicast.PortMax < c.Multicast.PortMin {
		return fmt.Errorf("port_max %d below port_min %d", c.Multicast.PortMax, c.Multicast.PortMin)
	}
	if c.Multicast.TTL < 1 || c.Multicast.TTL > 255 {
		return fmt.Errorf("ttl %d out of range [1, 255]", c.Multicast.TTL)
	}
	if c.Multicast.RetransmitIntervalMs < 1 {
		return fmt.Errorf("retransmit_interval_ms must be positive")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level. Call Validate first; an invalid
// level falls back to INFO here.
func (c Config) Level() logger.Level {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.INFO
	}
	return level
}

// Options converts the validated configuration into manager options.
func (c Config) Options() (mcast.Options, error) {
	prefix, err := netutil.ParsePrefix2(c.Multicast.Prefix)
	if err != nil {
		return mcast.Options{}, err
	}
	return mcast.Options{
		Prefix:             prefix,
		PortMin:            c.Multicast.PortMin,
		PortMax:            c.Multicast.PortMax,
		TTL:                c.Multicast.TTL,
		Loopback:           c.Multicast.Loopback,
		RetransmitInterval: time.Duration(c.Multicast.RetransmitIntervalMs) * time.Millisecond,
	}, nil
}
