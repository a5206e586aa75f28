// Package config loads daemon configuration: built-in defaults, overlaid by
// an optional YAML file (--config <path>).
//
// Grounded on daemon/config/config.go's Config/DefaultConfig shape; field
// set replaced (GRPC/REST/QUIC addresses → broker listener/data-dir/worker
// fields) and real file-loading added (the teacher's LoadConfig was a stub
// that always returned defaults).
package config

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v2"
)

// Config holds every tunable named in spec §6 (CLI surface) plus broker
// tuning fields. CompactThresholdBytes is loaded but not passed to the
// queues, which always compact at queue.DefaultCompactThreshold.
type Config struct {
	Port    int    `yaml:"port"`
	Data    string `yaml:"data"`
	Workers int    `yaml:"workers"`
	Debug   bool   `yaml:"debug"`

	MetricsAddr string `yaml:"metrics_addr"`

	ChunkSize             int64   `yaml:"chunk_size"`
	MaxFrameBytes         int64   `yaml:"max_frame_bytes"`
	CompactThresholdBytes uint64  `yaml:"compact_threshold_bytes"`
	AcceptRatePerSecond   float64 `yaml:"accept_rate_per_second"`
	AcceptBurst           int     `yaml:"accept_burst"`
}

// DefaultConfig returns the broker's built-in defaults (spec §6).
func DefaultConfig() *Config {
	return &Config{
		Port:                  22133,
		Data:                  "./data",
		Workers:               1,
		Debug:                 false,
		MetricsAddr:           "127.0.0.1:9133",
		ChunkSize:             1024,
		MaxFrameBytes:         4096,
		CompactThresholdBytes: 32 * 1024 * 1024,
		AcceptRatePerSecond:   1000,
		AcceptBurst:           200,
	}
}

// LoadConfig returns DefaultConfig() overlaid with any fields set in the
// YAML file at path. An empty path is not an error — it returns the
// defaults unmodified, matching the CLI's optional --config flag.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
