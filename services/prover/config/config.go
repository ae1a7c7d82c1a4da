// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads prover settings.
//
// Settings come from three layers, later ones winning: Default(), a YAML
// or JSON file, and PROVER_* environment variables. Command-line flags are
// applied on top by the CLI. The result is checked with struct tags and
// the cross-field rules of each component.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/services/prover/interactive"
	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
	"github.com/AleutianAI/AleutianProver/services/prover/verifier"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the complete prover configuration.
type Config struct {
	Logging   LoggingConfig             `yaml:"logging" json:"logging"`
	Telemetry telemetry.Config          `yaml:"telemetry" json:"telemetry"`
	Status    telemetry.ServerConfig    `yaml:"status" json:"status"`
	Session   interactive.SessionConfig `yaml:"session" json:"session"`
	Oracle    oracle.OpenAIConfig       `yaml:"oracle" json:"oracle"`
	Verifier  VerifierConfig            `yaml:"verifier" json:"verifier"`
	Search    search.Config             `yaml:"search" json:"search"`
	Run       RunConfig                 `yaml:"run" json:"run"`
	Stream    StreamConfig              `yaml:"stream" json:"stream"`
}

// LoggingConfig is the file form of logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=auto text json"`
	LogDir string `yaml:"log_dir" json:"log_dir"`
	Quiet  bool   `yaml:"quiet" json:"quiet"`
}

// Build converts to a logging.Config for service.
func (l LoggingConfig) Build(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format := logging.Format(l.Format)
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		LogDir:  l.LogDir,
		Service: service,
		Format:  format,
		Quiet:   l.Quiet,
	}, nil
}

// VerifierConfig enables the second, independent proof check.
type VerifierConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	verifier.Config `yaml:",inline"`
}

// RunConfig covers both run modes.
type RunConfig struct {
	// Devices lists one compute slot per worker.
	Devices []string `yaml:"devices" json:"devices" validate:"min=1,dive,required"`

	// MaxRetries is the per-item retry budget in batch mode.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=1"`

	// ResultsDir holds generated/, error/ and journal/.
	ResultsDir string `yaml:"results_dir" json:"results_dir" validate:"required"`

	// Journal mirrors attempt outcomes into a badger store.
	Journal bool `yaml:"journal" json:"journal"`
}

// StreamConfig configures streaming mode.
type StreamConfig struct {
	Root     string        `yaml:"root" json:"root"`
	Prefix   string        `yaml:"prefix" json:"prefix" validate:"required"`
	Total    int           `yaml:"total" json:"total" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Rerun    bool          `yaml:"rerun" json:"rerun"`
}

// Default returns a configuration for a proof project in the working
// directory with one worker.
func Default() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: telemetry.DefaultConfig(),
		Status:    telemetry.ServerConfig{ServiceName: "aleutian-prover", ShutdownTimeout: 5 * time.Second},
		Session:   interactive.DefaultSessionConfig("."),
		Oracle:    oracle.DefaultOpenAIConfig(),
		Verifier:  VerifierConfig{Config: verifier.DefaultConfig(".")},
		Search:    search.DefaultConfig(),
		Run: RunConfig{
			Devices:    []string{"cuda:0"},
			MaxRetries: 1,
			ResultsDir: "results",
			Journal:    true,
		},
		Stream: StreamConfig{
			Prefix:   "index_",
			Interval: 20 * time.Second,
		},
	}
}

// Load builds the configuration from Default, the file at path (if any)
// and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, c)
	} else {
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Write saves c as YAML, creating the parent directory.
func Write(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes c as YAML.
func Encode(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// ApplyEnv overrides fields from PROVER_* variables. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
		}
		*dst = n
		return nil
	}

	str("PROVER_LOG_LEVEL", &c.Logging.Level)
	str("PROVER_LOG_DIR", &c.Logging.LogDir)
	str("PROVER_SESSION_ROOT", &c.Session.Root)
	str("PROVER_ORACLE_BASE_URL", &c.Oracle.BaseURL)
	str("PROVER_ORACLE_MODEL", &c.Oracle.Model)
	str("PROVER_RESULTS_DIR", &c.Run.ResultsDir)
	str("PROVER_STREAM_ROOT", &c.Stream.Root)
	str("PROVER_STATUS_ADDR", &c.Status.Addr)

	var strategy string
	str("PROVER_STRATEGY", &strategy)
	if strategy != "" {
		c.Search.Strategy = search.Kind(strategy)
	}
	if v, ok := lookup("PROVER_DEVICES"); ok && v != "" {
		c.Run.Devices = splitList(v)
	}
	if err := num("PROVER_MAX_RETRIES", &c.Run.MaxRetries); err != nil {
		return err
	}
	if err := num("PROVER_MAX_NODES", &c.Search.MaxNodes); err != nil {
		return err
	}
	return num("PROVER_MAX_CALLS", &c.Search.MaxCalls)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks struct tags and the search budget rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("%w: search: %v", ErrInvalid, err)
	}
	if c.Verifier.Enabled && c.Verifier.Timeout <= 0 {
		return fmt.Errorf("%w: verifier timeout must be positive", ErrInvalid)
	}
	return nil
}
