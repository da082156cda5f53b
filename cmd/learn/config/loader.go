// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LEARN_SERVER_PORT.
const EnvPrefix = "LEARN_"

var validate = validator.New()

// DefaultPath returns ~/.aleutian-learn/learn.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian-learn", "learn.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults on first
// run, then applies LEARN_* environment overrides and validates the result.
// An empty path means DefaultPath.
//
// Fields missing from the file keep their default values.
func Load(path string) (LearnConfig, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return LearnConfig{}, err
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return LearnConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return LearnConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LearnConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return LearnConfig{}, err
	}
	cfg.expandPaths()
	if err := Validate(cfg); err != nil {
		return LearnConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any LEARN_* variables that are set.
func ApplyEnv(cfg *LearnConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks cfg against its validator tags.
func Validate(cfg LearnConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *LearnConfig) expandPaths() {
	c.Log.Dir = expandHome(c.Log.Dir)
	c.Client.CacheDir = expandHome(c.Client.CacheDir)
	c.Sync.SQLitePath = expandHome(c.Sync.SQLitePath)
	c.Sync.GCSCredentials = expandHome(c.Sync.GCSCredentials)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
