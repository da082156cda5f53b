// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the learn CLI configuration: a YAML file under the
// user's home directory with LEARN_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// LearnConfig is the top-level configuration.
type LearnConfig struct {
	Log    LogConfig    `yaml:"log" envPrefix:"LOG_"`
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Client ClientConfig `yaml:"client" envPrefix:"CLIENT_"`
	Sync   SyncConfig   `yaml:"sync" envPrefix:"SYNC_"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Dir    string `yaml:"dir,omitempty" env:"DIR"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=auto text json"`
}

// ServerConfig configures `learn serve`.
type ServerConfig struct {
	Port       int           `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	BatchSize  int           `yaml:"batch_size" env:"BATCH_SIZE" validate:"min=1,max=64"`
	BatchDelay time.Duration `yaml:"batch_delay" env:"BATCH_DELAY" validate:"gt=0,max=5s"`
	ChunkSize  int           `yaml:"chunk_size" env:"CHUNK_SIZE" validate:"min=16,max=4096"`

	// Generator selects the backend: template, openai or ollama.
	Generator     string `yaml:"generator" env:"GENERATOR" validate:"oneof=template openai ollama"`
	Model         string `yaml:"model,omitempty" env:"MODEL"`
	OllamaURL     string `yaml:"ollama_url,omitempty" env:"OLLAMA_URL" validate:"omitempty,url"`
	OpenAIBaseURL string `yaml:"openai_base_url,omitempty" env:"OPENAI_BASE_URL" validate:"omitempty,url"`

	// TraceExporter is none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=none stdout otlp"`
	OTelEndpoint  string `yaml:"otel_endpoint,omitempty" env:"OTEL_ENDPOINT"`
}

// ClientConfig configures the client commands.
type ClientConfig struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL" validate:"required,url"`
	CacheDir  string `yaml:"cache_dir" env:"CACHE_DIR" validate:"required"`
	// CacheMedium is badger or memory.
	CacheMedium    string        `yaml:"cache_medium" env:"CACHE_MEDIUM" validate:"oneof=badger memory"`
	CacheCapacity  int           `yaml:"cache_capacity" env:"CACHE_CAPACITY" validate:"min=1,max=1000"`
	CacheExpiry    time.Duration `yaml:"cache_expiry" env:"CACHE_EXPIRY" validate:"gt=0"`
	StaleThreshold time.Duration `yaml:"stale_threshold" env:"STALE_THRESHOLD" validate:"gt=0"`
	VerifyChain    bool          `yaml:"verify_chain" env:"VERIFY_CHAIN"`
}

// SyncConfig configures the background synchronization service and the
// durable backend.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY" validate:"gt=0"`
	Rate           float64       `yaml:"rate" env:"RATE" validate:"gt=0"`
	Burst          int           `yaml:"burst" env:"BURST" validate:"min=1"`

	// Backend is sqlite, gcs or memory.
	Backend        string `yaml:"backend" env:"BACKEND" validate:"oneof=sqlite gcs memory"`
	SQLitePath     string `yaml:"sqlite_path,omitempty" env:"SQLITE_PATH" validate:"required_if=Backend sqlite"`
	GCSBucket      string `yaml:"gcs_bucket,omitempty" env:"GCS_BUCKET" validate:"required_if=Backend gcs"`
	GCSProject     string `yaml:"gcs_project,omitempty" env:"GCS_PROJECT"`
	GCSCredentials string `yaml:"gcs_credentials,omitempty" env:"GCS_CREDENTIALS"`
	GCSPrefix      string `yaml:"gcs_prefix,omitempty" env:"GCS_PREFIX"`

	// ProbeURL is polled to decide whether the backend is reachable. Empty
	// means always online.
	ProbeURL      string        `yaml:"probe_url,omitempty" env:"PROBE_URL" validate:"omitempty,url"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL" validate:"gt=0"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() LearnConfig {
	base := "~/.aleutian-learn"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".aleutian-learn")
	}
	return LearnConfig{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Port:          12310,
			BatchSize:     4,
			BatchDelay:    120 * time.Millisecond,
			ChunkSize:     160,
			Generator:     "template",
			OllamaURL:     "http://localhost:11434",
			TraceExporter: "none",
			OTelEndpoint:  "localhost:4317",
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:12310",
			CacheDir:       filepath.Join(base, "cache"),
			CacheMedium:    "badger",
			CacheCapacity:  20,
			CacheExpiry:    7 * 24 * time.Hour,
			StaleThreshold: 30 * time.Second,
			VerifyChain:    true,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			ReconnectDelay: 2 * time.Second,
			Rate:           20,
			Burst:          5,
			Backend:        "sqlite",
			SQLitePath:     filepath.Join(base, "learn.db"),
			GCSPrefix:      "learn",
			ProbeInterval:  10 * time.Second,
		},
	}
}
