// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command benchgate runs the benchmark regression gate.
//
// It checks out the baseline and the proposed revision of a repository,
// runs the benchmark harness on both, and fails when an instrumented
// metric got worse by more than the configured threshold.
//
// Exit codes:
//
//	0  the run finished and found no regression
//	1  the run failed (provisioning, checkout, harness or configuration),
//	   or was cancelled by a signal before it produced a verdict
//	2  at least one benchmark regressed
//	3  nothing regressed but some results are inconclusive
//	4  the run was preempted by a newer run for the same ref
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withExit attaches code to err. A nil err with a zero code is success.
func withExit(code int, err error) error {
	if code == pipeline.ExitPass && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return pipeline.ExitPass
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return pipeline.ExitFailed
}

func main() {
	err := rootCmd.Execute()
	if logSink != nil {
		_ = logSink.Close()
	}
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintln(os.Stderr, "benchgate:", err)
	}
	os.Exit(exitCode(err))
}
