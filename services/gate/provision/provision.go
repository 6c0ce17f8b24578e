// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provision prepares the runnable environment (toolchain and
// instrumentation) before any revision is benchmarked.
//
// The gate does not install anything itself. CommandProvisioner delegates to
// an operator supplied command and only checks that it succeeded.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
)

// EnvToolchain carries the requested toolchain version to the provision command.
const EnvToolchain = "BENCHGATE_TOOLCHAIN"

// ErrInvalidVersion is returned for a toolchain version that is neither a
// semantic version nor a release channel.
var ErrInvalidVersion = errors.New("invalid toolchain version")

// channels are the release channel names accepted in place of a version.
var channels = map[string]bool{
	"stable":  true,
	"beta":    true,
	"nightly": true,
}

// Ready describes a provisioned environment.
type Ready struct {
	// Toolchain is the version that was provisioned.
	Toolchain string `json:"toolchain"`

	// Output is the trimmed stdout of the provision command, if any.
	Output string `json:"output,omitempty"`

	// Duration is how long provisioning took.
	Duration time.Duration `json:"duration"`
}

// Provisioner prepares the environment for a toolchain version.
type Provisioner interface {
	// Provision blocks until the environment is ready or fails.
	// Failures are returned as gate.ProvisionError.
	Provision(ctx context.Context, toolchainVersion string) (*Ready, error)
}

// ValidateVersion accepts "1.2.3", "v1.2.3" or a channel name.
func ValidateVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	if channels[v] {
		return nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return nil
}

// -----------------------------------------------------------------------------
// CommandProvisioner
// -----------------------------------------------------------------------------

// CommandProvisioner runs an external command to provision the environment.
//
// Thread Safety: Safe for concurrent use if Runner is.
type CommandProvisioner struct {
	runner  process.Runner
	command []string
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a CommandProvisioner.
type Option func(*CommandProvisioner)

// WithDir sets the working directory of the provision command.
func WithDir(dir string) Option {
	return func(p *CommandProvisioner) { p.dir = dir }
}

// WithTimeout bounds the provision command. Exceeding it fails the run.
func WithTimeout(d time.Duration) Option {
	return func(p *CommandProvisioner) { p.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *CommandProvisioner) { p.logger = l }
}

// NewCommandProvisioner creates a provisioner that runs command (argv form).
//
// Inputs:
//
//	runner - Process runner. Must not be nil.
//	command - Command and arguments. Must not be empty.
func NewCommandProvisioner(runner process.Runner, command []string, opts ...Option) (*CommandProvisioner, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("provision command must not be empty")
	}
	p := &CommandProvisioner{
		runner:  runner,
		command: append([]string(nil), command...),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Provision runs the command with BENCHGATE_TOOLCHAIN set to toolchainVersion.
func (p *CommandProvisioner) Provision(ctx context.Context, toolchainVersion string) (*Ready, error) {
	op := "provision " + toolchainVersion
	if err := ValidateVersion(toolchainVersion); err != nil {
		return nil, gate.ProvisionError(op, err)
	}

	p.logger.Info("provisioning environment",
		slog.String("toolchain", toolchainVersion),
		slog.String("command", strings.Join(p.command, " ")),
	)

	out, err := p.runner.Run(ctx, process.Command{
		Name:    p.command[0],
		Args:    p.command[1:],
		Dir:     p.dir,
		Env:     []string{EnvToolchain + "=" + toolchainVersion},
		Timeout: p.timeout,
	})
	if err != nil {
		return nil, gate.ProvisionError(op, err)
	}

	ready := &Ready{
		Toolchain: toolchainVersion,
		Output:    strings.TrimSpace(string(out.Stdout)),
		Duration:  out.Duration,
	}
	p.logger.Info("environment ready",
		slog.String("toolchain", toolchainVersion),
		slog.Duration("duration", out.Duration),
	)
	return ready, nil
}

// -----------------------------------------------------------------------------
// Noop
// -----------------------------------------------------------------------------

// Noop is a Provisioner for environments that are already prepared.
type Noop struct{}

// Provision validates the version and reports ready.
func (Noop) Provision(ctx context.Context, toolchainVersion string) (*Ready, error) {
	if err := ctx.Err(); err != nil {
		return nil, gate.ProvisionError("provision "+toolchainVersion, err)
	}
	if err := ValidateVersion(toolchainVersion); err != nil {
		return nil, gate.ProvisionError("provision "+toolchainVersion, err)
	}
	return &Ready{Toolchain: toolchainVersion}, nil
}
