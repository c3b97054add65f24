// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the engine daemon configuration: defaults,
// overridden by a YAML file, overridden by TRANMQ_-prefixed environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine daemon.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Message MessageConfig `yaml:"message"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds core engine settings.
type EngineConfig struct {
	// WorkerPoolSize bounds the completion-dispatch pool.
	WorkerPoolSize int `yaml:"worker_pool_size" env:"TRANMQ_WORKER_POOL_SIZE"`

	// PublishRate and PublishBurst bound per-client publishing;
	// a zero rate disables limiting.
	PublishRate  float64 `yaml:"publish_rate" env:"TRANMQ_PUBLISH_RATE"`
	PublishBurst int     `yaml:"publish_burst" env:"TRANMQ_PUBLISH_BURST"`

	// ExpiryInterval is the buffered-message expiry sweep period.
	ExpiryInterval time.Duration `yaml:"expiry_interval" env:"TRANMQ_EXPIRY_INTERVAL"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TRANMQ_SHUTDOWN_TIMEOUT"`
}

// MessageConfig bounds message construction.
type MessageConfig struct {
	MaxPayloadSize    int `yaml:"max_payload_size" env:"TRANMQ_MAX_PAYLOAD_SIZE"`
	MaxDestinationLen int `yaml:"max_destination_len" env:"TRANMQ_MAX_DESTINATION_LEN"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"TRANMQ_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"TRANMQ_LOG_FORMAT"` // text, json
}

// StorageConfig holds durable store configuration.
type StorageConfig struct {
	Type string `yaml:"type" env:"TRANMQ_STORAGE_TYPE"` // memory, badger

	// BadgerDB settings
	BadgerDir            string `yaml:"badger_dir" env:"TRANMQ_BADGER_DIR"`
	SyncWrites           bool   `yaml:"sync_writes" env:"TRANMQ_SYNC_WRITES"`
	CompressionThreshold int    `yaml:"compression_threshold" env:"TRANMQ_COMPRESSION_THRESHOLD"`
}

// MetricsConfig holds metric instrumentation settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"TRANMQ_METRICS_ENABLED"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			WorkerPoolSize:  64,
			PublishRate:     0,
			PublishBurst:    0,
			ExpiryInterval:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Message: MessageConfig{
			MaxPayloadSize:    4 * 1024 * 1024,
			MaxDestinationLen: 65535,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:                 "badger",
			BadgerDir:            "/var/lib/tranmq/data",
			SyncWrites:           true,
			CompressionThreshold: 1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file if it
// exists, then environment overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Engine,
		validation.Field(&c.Engine.WorkerPoolSize, validation.Min(1)),
		validation.Field(&c.Engine.PublishRate, validation.Min(0.0)),
		validation.Field(&c.Engine.PublishBurst, validation.Min(0)),
		validation.Field(&c.Engine.ShutdownTimeout, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := validation.ValidateStruct(&c.Message,
		validation.Field(&c.Message.MaxPayloadSize, validation.Min(1024)),
		validation.Field(&c.Message.MaxDestinationLen, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("message: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.Required,
			validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.Required,
			validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if err := validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.Type, validation.Required,
			validation.In("memory", "badger")),
		validation.Field(&c.Storage.CompressionThreshold, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage: badger_dir required when type is badger")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
