// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts execution of the external collaborators of the gate:
git, the toolchain provisioner and the benchmark harness.

Every exec.Command in the gate goes through Runner so stages can be tested
with MockRunner, without real processes.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned when a command exceeds its own Timeout.
var ErrTimeout = errors.New("command timed out")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Command describes one external process invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string

	// Timeout bounds the command. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output is the captured result of a finished command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner handles external process execution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Context Handling
//
// Run must stop the process when ctx is done and return ctx.Err() wrapped.
type Runner interface {
	// Run executes cmd synchronously.
	//
	// A non-zero exit status is returned as an *ExitError together with the
	// captured Output so callers can report stderr.
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

// Error implements error.
func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a Runner that executes real processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and waits for completion.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Output, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	}

	if err == nil {
		return out, nil
	}

	// Context errors take precedence over the kill signal they caused.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && cmd.Timeout > 0 {
			return out, fmt.Errorf("%s: %w after %s", cmd, ErrTimeout, cmd.Timeout)
		}
		return out, fmt.Errorf("%s: %w", cmd, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{
			Command:  cmd.String(),
			ExitCode: out.ExitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return out, fmt.Errorf("%s: %w", cmd, err)
}

// -----------------------------------------------------------------------------
// Mock
// -----------------------------------------------------------------------------

// MockRunner records calls and answers them from RunFunc.
//
// Thread Safety: Safe for concurrent use.
type MockRunner struct {
	// RunFunc produces the result of a call. Nil returns an empty Output.
	RunFunc func(ctx context.Context, cmd Command) (*Output, error)

	mu    sync.Mutex
	calls []Command
}

// Run records cmd and delegates to RunFunc.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (*Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, cmd)
	}
	return &Output{}, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Command, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Reset clears the recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
