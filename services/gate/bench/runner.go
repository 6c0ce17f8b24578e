// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bench invokes the instrumented benchmark harness against a
// checked-out revision and publishes its measurements as a snapshot.
//
// The harness is an opaque command. It runs once per call in the working
// tree with these variables set:
//
//	BENCHGATE_RESULTS   file the harness writes its JSON results to
//	BENCHGATE_SNAPSHOT  snapshot name being produced ("base", "head")
//	BENCHGATE_REVISION  full commit hash of the working tree
//
// With FormatGoBench the results are read from stdout instead. Nothing is
// published unless the harness exits cleanly, its output parses, and the
// working tree still reflects the same revision afterwards.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

// Environment variables passed to the harness.
const (
	EnvResults  = "BENCHGATE_RESULTS"
	EnvSnapshot = "BENCHGATE_SNAPSHOT"
	EnvRevision = "BENCHGATE_REVISION"
)

// ErrDiscarded is returned when a finished measurement is dropped because
// its run was cancelled.
var ErrDiscarded = errors.New("measurement discarded")

// Format is the harness output format.
type Format string

const (
	// FormatJSON reads the file named by BENCHGATE_RESULTS.
	FormatJSON Format = "json"

	// FormatGoBench parses "go test -bench" output from stdout.
	FormatGoBench Format = "gobench"
)

// Config configures a Runner.
type Config struct {
	// Command is the harness command and arguments. Required.
	Command []string `yaml:"command" validate:"required,min=1,dive,required"`

	// Format is the output format. Default: json.
	Format Format `yaml:"format" validate:"omitempty,oneof=json gobench"`

	// Metric is the instrumented metric recorded, e.g. "instructions".
	// Required, and never wall-clock time.
	Metric string `yaml:"-"`

	// Timeout bounds one harness invocation. Exceeding it fails the run.
	Timeout time.Duration `yaml:"timeout"`

	// Env holds extra KEY=VALUE pairs for the harness.
	Env []string `yaml:"env"`
}

// Tree is the working tree the harness runs in.
type Tree interface {
	Dir() string
	Revision() gate.Revision
	Verify(ctx context.Context) error
}

// Runner runs the harness and stores snapshots.
//
// Thread Safety: Safe for concurrent use on different trees.
type Runner struct {
	cfg    Config
	proc   process.Runner
	store  snapshot.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner validates cfg and creates a Runner.
func NewRunner(cfg Config, proc process.Runner, store snapshot.Store, opts ...Option) (*Runner, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("harness command is required")
	}
	if cfg.Metric == "" {
		return nil, errors.New("metric is required")
	}
	if isWallClock(cfg.Metric) {
		return nil, fmt.Errorf("metric %q is wall-clock time and not deterministic", cfg.Metric)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatJSON
	case FormatJSON, FormatGoBench:
	default:
		return nil, fmt.Errorf("unknown harness format %q", cfg.Format)
	}
	if proc == nil || store == nil {
		return nil, errors.New("process runner and store are required")
	}

	r := &Runner{
		cfg:    cfg,
		proc:   proc,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Metric returns the configured metric.
func (r *Runner) Metric() string {
	return r.cfg.Metric
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	guard func() error
}

// WithGuard makes Run call guard just before publishing. A non-nil result
// discards the measurement. Used to drop results of a cancelled run whose
// harness was allowed to finish.
func WithGuard(guard func() error) RunOption {
	return func(o *runOptions) { o.guard = guard }
}

// Run invokes the harness once in tree and publishes the result as
// (scope, name).
//
// Description:
//
//	Verifies the tree, runs the harness, parses its output, verifies the
//	tree again (the revision must not drift while benchmarking), then
//	replaces (scope, name) in the store in one step.
//
// Outputs:
//
//	*snapshot.Snapshot - The published snapshot.
//	error - A gate.BenchmarkError. Nothing is published on error.
func (r *Runner) Run(ctx context.Context, tree Tree, scope gate.Scope, name string, opts ...RunOption) (*snapshot.Snapshot, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	s, err := r.Measure(ctx, tree, scope, name)
	if err != nil {
		return nil, err
	}

	op := fmt.Sprintf("publish %s/%s", scope, name)
	if err := ctx.Err(); err != nil {
		return nil, gate.BenchmarkError(op, fmt.Errorf("%w: %w", ErrDiscarded, context.Cause(ctx)))
	}
	if o.guard != nil {
		if err := o.guard(); err != nil {
			r.logger.Info("discarding measurement of cancelled run",
				slog.String("snapshot", name),
				slog.String("scope", string(scope)),
			)
			return nil, gate.BenchmarkError(op, fmt.Errorf("%w: %w", ErrDiscarded, err))
		}
	}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, gate.BenchmarkError(op, err)
	}

	r.logger.Info("snapshot published",
		slog.String("snapshot", name),
		slog.String("scope", string(scope)),
		slog.String("revision", s.Revision.String()),
		slog.Int("benchmarks", len(s.Records)),
	)
	return s, nil
}

// Measure runs the harness and returns the snapshot without publishing it.
func (r *Runner) Measure(ctx context.Context, tree Tree, scope gate.Scope, name string) (*snapshot.Snapshot, error) {
	rev := tree.Revision()
	op := fmt.Sprintf("benchmark %s as %q", rev, name)

	if err := tree.Verify(ctx); err != nil {
		return nil, gate.BenchmarkError(op, err)
	}

	resultsPath, cleanup, err := r.resultsFile()
	if err != nil {
		return nil, gate.BenchmarkError(op, err)
	}
	defer cleanup()

	env := append([]string{
		EnvResults + "=" + resultsPath,
		EnvSnapshot + "=" + name,
		EnvRevision + "=" + rev.Commit,
	}, r.cfg.Env...)

	r.logger.Info("running benchmark harness",
		slog.String("revision", rev.String()),
		slog.String("snapshot", name),
		slog.String("command", strings.Join(r.cfg.Command, " ")),
	)
	out, err := r.proc.Run(ctx, process.Command{
		Name:    r.cfg.Command[0],
		Args:    r.cfg.Command[1:],
		Dir:     tree.Dir(),
		Env:     env,
		Timeout: r.cfg.Timeout,
	})
	if err != nil {
		return nil, gate.BenchmarkError(op, fmt.Errorf("harness failed: %w", err))
	}

	// The tree must still be the one we measured.
	if err := tree.Verify(ctx); err != nil {
		return nil, gate.BenchmarkError(op, err)
	}

	var recs []snapshot.Record
	switch r.cfg.Format {
	case FormatGoBench:
		recs, err = ParseGoBench(out.Stdout, r.cfg.Metric)
	default:
		var data []byte
		data, err = os.ReadFile(resultsPath)
		if err == nil && len(data) == 0 {
			err = errors.New("harness wrote no results")
		}
		if err == nil {
			recs, err = ParseJSON(data, r.cfg.Metric)
		}
	}
	if err != nil {
		return nil, gate.BenchmarkError(op, err)
	}

	s := &snapshot.Snapshot{
		Scope:     scope,
		Name:      name,
		Revision:  rev,
		Metric:    r.cfg.Metric,
		Records:   recs,
		CreatedAt: r.now().UTC(),
	}
	s.SortRecords()
	if err := s.Validate(); err != nil {
		return nil, gate.BenchmarkError(op, err)
	}
	return s, nil
}

// resultsFile creates an empty file for the harness to write into.
func (r *Runner) resultsFile() (string, func(), error) {
	f, err := os.CreateTemp("", "benchgate-results-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("create results file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("close results file: %w", err)
	}
	return path, func() { _ = os.Remove(path) }, nil
}

// isWallClock rejects time-based units.
func isWallClock(metric string) bool {
	switch strings.ToLower(metric) {
	case "ns/op", "us/op", "ms/op", "s/op", "sec/op", "seconds", "wall", "wallclock", "wall-clock", "duration":
		return true
	}
	return false
}
