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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/benchgate/services/gate/checkout"
	"github.com/AleutianAI/benchgate/services/gate/provision"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

// EnvPrefix prefixes every environment override, e.g.
// BENCHGATE_COMPARISON_THRESHOLD.
const EnvPrefix = "BENCHGATE"

// Override is a key that can be set from the environment or a flag.
type Override struct {
	// Key is the dotted YAML path, e.g. "comparison.threshold".
	Key string

	// Flag is the CLI flag bound to Key. Empty means environment only.
	Flag string

	apply func(c *Config, v *viper.Viper)
}

// Overrides lists the keys that can be set outside the file.
var Overrides = []Override{
	{Key: "log.level", Flag: "log-level", apply: func(c *Config, v *viper.Viper) { c.Log.Level = v.GetString("log.level") }},
	{Key: "log.format", Flag: "log-format", apply: func(c *Config, v *viper.Viper) { c.Log.Format = v.GetString("log.format") }},
	{Key: "log.dir", apply: func(c *Config, v *viper.Viper) { c.Log.Dir = v.GetString("log.dir") }},
	{Key: "gate.default_branch", Flag: "default-branch", apply: func(c *Config, v *viper.Viper) {
		c.Gate.DefaultBranch = v.GetString("gate.default_branch")
	}},
	{Key: "gate.toolchain", Flag: "toolchain", apply: func(c *Config, v *viper.Viper) { c.Gate.Toolchain = v.GetString("gate.toolchain") }},
	{Key: "checkout.repo_dir", Flag: "repo", apply: func(c *Config, v *viper.Viper) { c.Checkout.RepoDir = v.GetString("checkout.repo_dir") }},
	{Key: "checkout.mode", Flag: "checkout-mode", apply: func(c *Config, v *viper.Viper) {
		c.Checkout.Mode = checkout.Mode(v.GetString("checkout.mode"))
	}},
	{Key: "checkout.force", Flag: "force", apply: func(c *Config, v *viper.Viper) { c.Checkout.Force = v.GetBool("checkout.force") }},
	{Key: "bench.timeout", apply: func(c *Config, v *viper.Viper) { c.Bench.Timeout = v.GetDuration("bench.timeout") }},
	{Key: "comparison.metric", Flag: "metric", apply: func(c *Config, v *viper.Viper) { c.Comparison.Metric = v.GetString("comparison.metric") }},
	{Key: "comparison.threshold", Flag: "threshold", apply: func(c *Config, v *viper.Viper) {
		th := v.GetFloat64("comparison.threshold")
		c.Comparison.Threshold = &th
	}},
	{Key: "store.backend", Flag: "store", apply: func(c *Config, v *viper.Viper) { c.Store.Backend = v.GetString("store.backend") }},
	{Key: "store.badger.path", apply: func(c *Config, v *viper.Viper) { c.Store.Badger.Path = v.GetString("store.badger.path") }},
	{Key: "store.gcs.bucket", apply: func(c *Config, v *viper.Viper) {
		if c.Store.GCS == nil {
			c.Store.GCS = &snapshot.GCSConfig{}
		}
		c.Store.GCS.Bucket = v.GetString("store.gcs.bucket")
	}},
	{Key: "report.json_dir", Flag: "report-dir", apply: func(c *Config, v *viper.Viper) { c.Report.JSONDir = v.GetString("report.json_dir") }},
	{Key: "server.addr", Flag: "addr", apply: func(c *Config, v *viper.Viper) { c.Server.Addr = v.GetString("server.addr") }},
	{Key: "telemetry.trace_exporter", apply: func(c *Config, v *viper.Viper) {
		c.Telemetry.TraceExporter = v.GetString("telemetry.trace_exporter")
	}},
	{Key: "telemetry.metric_exporter", apply: func(c *Config, v *viper.Viper) {
		c.Telemetry.MetricExporter = v.GetString("telemetry.metric_exporter")
	}},
}

// EnvName returns the environment variable of a key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Load reads path, applies environment and flag overrides and validates
// the result.
//
// Description:
//
//	A missing file is an error only when required is true, i.e. the user
//	named it explicitly. flags may be nil; flags that are not registered
//	in it are ignored.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Wraps ErrInvalid on validation failure.
func Load(path string, required bool, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}
	for _, o := range Overrides {
		if v.IsSet(o.Key) {
			o.apply(&cfg, v)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range Overrides {
		if err := v.BindEnv(o.Key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", o.Key, err)
		}
		if flags == nil || o.Flag == "" {
			continue
		}
		if f := flags.Lookup(o.Flag); f != nil {
			if err := v.BindPFlag(o.Key, f); err != nil {
				return nil, fmt.Errorf("bind --%s: %w", o.Flag, err)
			}
		}
	}
	return v, nil
}

// Validate checks struct tags and the constraints between fields.
func Validate(cfg *Config) error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := cfg.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := provision.ValidateVersion(cfg.Gate.Toolchain); err != nil {
		return invalid("gate.toolchain: %v", err)
	}
	if cfg.Store.Backend == StoreBadger && cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		return invalid("store.badger.path is required")
	}
	return nil
}

// WriteDefault writes a starter configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(starter())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// starter is Default with placeholders for the required keys.
func starter() Config {
	cfg := Default()
	th := 0.05
	cfg.Comparison.Metric = "instructions"
	cfg.Comparison.Threshold = &th
	cfg.Bench.Command = []string{"./scripts/bench.sh"}
	return cfg
}
