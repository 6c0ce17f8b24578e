// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the benchgate configuration file.
//
// The file is YAML (default benchgate.yaml). Every key listed in Overrides
// can also be set through a BENCHGATE_* environment variable or a CLI flag,
// which win over the file in that order: flag, environment, file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/benchgate/pkg/logging"

	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/checkout"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
	"github.com/AleutianAI/benchgate/services/gate/report"
	"github.com/AleutianAI/benchgate/services/gate/server"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
	gbadger "github.com/AleutianAI/benchgate/services/gate/storage/badger"
	"github.com/AleutianAI/benchgate/services/gate/telemetry"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "benchgate.yaml"

// Store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreGCS    = "gcs"
)

// Config is the whole benchgate configuration.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	Gate       pipeline.Config  `yaml:"gate"`
	Provision  ProvisionConfig  `yaml:"provision"`
	Checkout   checkout.Config  `yaml:"checkout"`
	Bench      BenchConfig      `yaml:"bench"`
	Comparison ComparisonConfig `yaml:"comparison"`
	Store      StoreConfig      `yaml:"store"`
	Report     ReportConfig     `yaml:"report"`
	Server     server.Config    `yaml:"server"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// ProvisionConfig configures the environment provisioner. An empty Command
// means the environment is already prepared.
type ProvisionConfig struct {
	Command []string      `yaml:"command" validate:"omitempty,dive,required"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// BenchConfig configures the benchmark harness.
type BenchConfig struct {
	Command []string      `yaml:"command" validate:"omitempty,dive,required"`
	Format  bench.Format  `yaml:"format" validate:"omitempty,oneof=json gobench"`
	Timeout time.Duration `yaml:"timeout"`
	Env     []string      `yaml:"env"`
}

// ComparisonConfig configures the comparator. Metric and Threshold have no
// defaults: a gate that silently picked either would be meaningless.
type ComparisonConfig struct {
	// Metric is the instrumented metric, e.g. "instructions".
	Metric string `yaml:"metric" validate:"required"`

	// Threshold is the tolerated relative increase, 0.05 = 5%.
	Threshold *float64 `yaml:"threshold" validate:"required"`

	// Overrides maps benchmark ids to their own threshold.
	Overrides map[string]float64 `yaml:"overrides"`
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	Backend string              `yaml:"backend" validate:"oneof=memory badger gcs"`
	Badger  gbadger.Config      `yaml:"badger"`
	GCS     *snapshot.GCSConfig `yaml:"gcs" validate:"required_if=Backend gcs"`
}

// ReportConfig configures the report sinks. Both are optional.
type ReportConfig struct {
	JSONDir string               `yaml:"json_dir"`
	Influx  *report.InfluxConfig `yaml:"influx"`
}

// Default returns the configuration used for keys absent from the file.
// Comparison.Metric and Comparison.Threshold stay unset.
func Default() Config {
	return Config{
		Log:  logging.DefaultConfig(),
		Gate: pipeline.Config{DefaultBranch: "main", Toolchain: "stable"},
		Checkout: checkout.Config{
			RepoDir: ".",
			Mode:    checkout.ModeInPlace,
		},
		Bench: BenchConfig{Format: bench.FormatJSON},
		Store: StoreConfig{
			Backend: StoreBadger,
			Badger:  gbadger.DefaultConfig(".benchgate/snapshots"),
		},
		Server:    server.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Thresholds returns the comparator thresholds.
func (c *Config) Thresholds() compare.Thresholds {
	th := compare.Thresholds{Overrides: c.Comparison.Overrides}
	if c.Comparison.Threshold != nil {
		th.Default = *c.Comparison.Threshold
	}
	return th
}

// BenchRunner returns the benchmark runner configuration.
func (c *Config) BenchRunner() bench.Config {
	return bench.Config{
		Command: c.Bench.Command,
		Format:  c.Bench.Format,
		Metric:  c.Comparison.Metric,
		Timeout: c.Bench.Timeout,
		Env:     c.Bench.Env,
	}
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
