// Package config loads the per-process YAML configuration and applies
// AMOSKYS_* environment overrides on top. All three processes (bus, agent,
// fusion) share one schema; each reads only its own section.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Bus    BusConfig    `yaml:"bus"`
	Agent  AgentConfig  `yaml:"agent"`
	Fusion FusionConfig `yaml:"fusion"`
	Ops    OpsConfig    `yaml:"ops"`
}

type BusConfig struct {
	ListenAddress string `yaml:"listen_address"`
	CertDir       string `yaml:"cert_dir"`
	TrustDir      string `yaml:"trust_dir"`
	WALPath       string `yaml:"wal_path"`

	MaxEnvBytes int `yaml:"max_env_bytes"`
	MaxInflight int `yaml:"max_inflight"`
	HardMax     int `yaml:"hard_max"`

	DedupeTTLSec int `yaml:"dedupe_ttl_sec"`
	DedupeMax    int `yaml:"dedupe_max"`

	// OverloadMode is "on", "off", or "auto"; auto follows AMOSKYS_OVERLOAD
	// per request.
	OverloadMode string `yaml:"overload_mode"`

	// RedisAddress enables the Redis dedup backend when non-empty.
	RedisAddress string `yaml:"redis_address"`
}

type AgentConfig struct {
	BusAddress string `yaml:"bus_address"`
	CertDir    string `yaml:"cert_dir"`
	KeyPath    string `yaml:"key_path"`
	QueuePath  string `yaml:"queue_path"`

	SendRateHz      float64 `yaml:"send_rate"`
	RetryMax        int     `yaml:"retry_max"`
	RetryTimeoutSec int     `yaml:"retry_timeout"`
	MaxEnvBytes     int     `yaml:"max_env_bytes"`
	MaxQueueBytes   int64   `yaml:"max_queue_bytes"`
	IntervalSec     int     `yaml:"interval_sec"`
}

type FusionConfig struct {
	DBPath          string   `yaml:"db_path"`
	WindowMinutes   int      `yaml:"window_minutes"`
	EvalIntervalSec int      `yaml:"eval_interval"`
	Sources         []string `yaml:"sources"`
}

type OpsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the configuration used when no file or override supplies a
// value.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			ListenAddress: ":50051",
			CertDir:       "certs",
			TrustDir:      "trust",
			WALPath:       "data/bus-wal.db",
			MaxEnvBytes:   131072,
			MaxInflight:   100,
			HardMax:       500,
			DedupeTTLSec:  300,
			DedupeMax:     100000,
			OverloadMode:  "auto",
		},
		Agent: AgentConfig{
			BusAddress:      "localhost:50051",
			CertDir:         "certs",
			KeyPath:         "certs/agent.ed25519",
			QueuePath:       "data/agent.ldq",
			SendRateHz:      2,
			RetryMax:        5,
			RetryTimeoutSec: 30,
			MaxEnvBytes:     131072,
			MaxQueueBytes:   64 << 20,
			IntervalSec:     10,
		},
		Fusion: FusionConfig{
			DBPath:          "data/fusion.db",
			WindowMinutes:   10,
			EvalIntervalSec: 60,
		},
		Ops: OpsConfig{
			ListenAddress: ":8081",
		},
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. A missing file is not an error; defaults plus environment are
// the effective config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.OverloadMode {
	case "on", "off", "auto":
	default:
		return fmt.Errorf("config: bad overload_mode %q (want on|off|auto)", c.Bus.OverloadMode)
	}
	if c.Bus.MaxInflight <= 0 || c.Bus.HardMax < c.Bus.MaxInflight {
		return fmt.Errorf("config: bad admission limits max_inflight=%d hard_max=%d",
			c.Bus.MaxInflight, c.Bus.HardMax)
	}
	if c.Fusion.WindowMinutes <= 0 || c.Fusion.EvalIntervalSec <= 0 {
		return fmt.Errorf("config: bad fusion window=%dm eval=%ds",
			c.Fusion.WindowMinutes, c.Fusion.EvalIntervalSec)
	}
	return nil
}
