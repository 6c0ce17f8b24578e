// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgate/pkg/ux"
	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
	"github.com/AleutianAI/benchgate/services/gate/telemetry"
)

var runFlags struct {
	workflow  string
	headRef   string
	baseRef   string
	runID     string
	scheduled bool
	markdown  string
	json      bool
}

// publishTimeout bounds report publication after the run has finished.
const publishTimeout = 30 * time.Second

func runGate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trig := gate.Trigger{
		WorkflowName:      runFlags.workflow,
		HeadRef:           runFlags.headRef,
		BaseRef:           runFlags.baseRef,
		RunID:             runFlags.runID,
		ScheduledOrManual: runFlags.scheduled,
	}
	if err := trig.Validate(); err != nil {
		return err
	}

	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	g, err := newGate(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer g.close()

	out := cmd.OutOrStdout()
	progress := ux.NewRunProgress(cmd.ErrOrStderr())
	if runFlags.json {
		progress = ux.NewRunProgress(io.Discard)
	}
	progress.Begin()
	res, err := g.pipeline.Execute(ctx, trig, progress)
	progress.End()
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := g.sinks.Publish(pctx, res); err != nil {
		logger.Warn("publishing the run report failed", "run_id", res.RunID, "error", err)
	}

	if err := writeResult(out, res, runFlags.json); err != nil {
		return err
	}
	if runFlags.markdown != "" && res.Report != nil {
		if err := os.WriteFile(runFlags.markdown, []byte(compare.Markdown(res.Report)), 0o644); err != nil {
			return fmt.Errorf("write markdown report: %w", err)
		}
	}
	return resultError(res)
}

// writeResult prints res for humans, or as JSON.
func writeResult(w io.Writer, res *pipeline.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	p := ux.NewPrinter(w)
	switch {
	case res.Preempted():
		p.Info(fmt.Sprintf("run %s was preempted by a newer run for %s", res.RunID, res.Key))
	case res.State == pipeline.StateFailed:
		p.Error(fmt.Sprintf("run %s failed: %s", res.RunID, res.Error))
	case res.State == pipeline.StateCancelled:
		p.Warning(fmt.Sprintf("run %s was cancelled: %s", res.RunID, res.Error))
	case res.Report != nil:
		p.Report(res.Report)
	}
	return nil
}

// resultError turns a finished run into the command's exit status. A
// failed run carries its error so main prints it.
func resultError(res *pipeline.Result) error {
	code := res.ExitCode()
	if res.Preempted() {
		logger.Info("run preempted", "run_id", res.RunID, "key", res.Key.String())
		return withExit(code, nil)
	}
	if res.State == pipeline.StateFailed {
		return withExit(code, res.Err)
	}
	return withExit(code, nil)
}
