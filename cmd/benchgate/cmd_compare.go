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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgate/pkg/ux"
	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

var compareFlags struct {
	scope    string
	baseline string
	current  string
	format   string
}

func runCompare(cmd *cobra.Command, _ []string) error {
	scope, err := gate.ParseScope(compareFlags.scope)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cmp, err := compare.NewComparator(store, cfg.Thresholds(), compare.WithLogger(logger))
	if err != nil {
		return err
	}
	r, err := cmp.Compare(ctx, scope, compareFlags.baseline, compareFlags.current)
	if err != nil {
		return err
	}
	if err := writeReport(cmd.OutOrStdout(), r, compareFlags.format); err != nil {
		return err
	}
	return withExit(verdictExit(r.Verdict), nil)
}

// writeReport renders r in one of the compare output formats.
func writeReport(w io.Writer, r *compare.Report, format string) error {
	switch format {
	case "json":
		return compare.WriteJSON(w, r)
	case "markdown", "md":
		_, err := io.WriteString(w, compare.Markdown(r))
		return err
	case "table", "":
		ux.NewPrinter(w).Report(r)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func verdictExit(v compare.Verdict) int {
	switch v {
	case compare.VerdictPass:
		return pipeline.ExitPass
	case compare.VerdictRegressed:
		return pipeline.ExitRegressed
	default:
		return pipeline.ExitInconclusive
	}
}
