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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgate/cmd/benchgate/config"
	"github.com/AleutianAI/benchgate/pkg/logging"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string

	// Loaded by PersistentPreRunE for every command that needs it.
	cfg     *config.Config
	logger  *slog.Logger
	logSink *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "benchgate",
		Short: "Fail CI when an instrumented benchmark regresses",
		Long: `benchgate benchmarks the baseline and the proposed revision of a
repository with the same harness and compares an instrumented metric
(instructions, allocations, ...) benchmark by benchmark.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gate for one trigger",
		Args:  cobra.NoArgs,
		RunE:  runGate, // Defined in cmd_run.go
	}

	compareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Compare two stored snapshots",
		Args:  cobra.NoArgs,
		RunE:  runCompare, // Defined in cmd_compare.go
	}

	snapshotsCmd = &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect stored benchmark snapshots",
	}
	snapshotsListCmd = &cobra.Command{
		Use:   "list [prefix]",
		Short: "List snapshots, optionally under a scope prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshotsList, // Defined in cmd_snapshots.go
	}
	snapshotsShowCmd = &cobra.Command{
		Use:   "show <scope> <name>",
		Short: "Print one snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotsShow,
	}
	snapshotsDeleteCmd = &cobra.Command{
		Use:   "delete <scope>",
		Short: "Delete every snapshot of a scope",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotsDelete,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Accept triggers over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	initCmd = &cobra.Command{
		Use:               "init",
		Short:             "Write a starter configuration file",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE:              runInit,
	}

	versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("benchgate %s (%s)\n", version, commit)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", config.DefaultPath, "configuration file")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")
	pf.String("store", "", "snapshot store: memory, badger, gcs")

	// Gate settings shared by run and serve.
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		f := c.Flags()
		f.String("repo", "", "repository to benchmark")
		f.String("checkout-mode", "", "checkout mode: inplace, worktree")
		f.Bool("force", false, "discard local changes when checking out in place")
		f.String("default-branch", "", "baseline of triggers without a base ref")
		f.String("toolchain", "", "toolchain version passed to the provisioner")
		f.String("report-dir", "", "directory for JSON run reports")
	}
	for _, c := range []*cobra.Command{runCmd, serveCmd, compareCmd} {
		f := c.Flags()
		f.String("metric", "", "instrumented metric to compare")
		f.Float64("threshold", 0, "tolerated relative increase, 0.05 = 5%")
	}

	runCmd.Flags().StringVar(&runFlags.workflow, "workflow", "", "name of the triggering workflow")
	runCmd.Flags().StringVar(&runFlags.headRef, "head-ref", "", "proposed revision")
	runCmd.Flags().StringVar(&runFlags.baseRef, "base-ref", "", "baseline revision (default: the default branch)")
	runCmd.Flags().StringVar(&runFlags.runID, "run-id", "", "id of this invocation")
	runCmd.Flags().BoolVar(&runFlags.scheduled, "scheduled", false, "the trigger is scheduled or manual")
	runCmd.Flags().StringVar(&runFlags.markdown, "markdown", "", "also write the report as Markdown to this file")
	runCmd.Flags().BoolVar(&runFlags.json, "json", false, "print the result as JSON")
	_ = runCmd.MarkFlagRequired("workflow")
	_ = runCmd.MarkFlagRequired("head-ref")

	compareCmd.Flags().StringVar(&compareFlags.scope, "scope", "", "scope of both snapshots, workflow/ref/run")
	compareCmd.Flags().StringVar(&compareFlags.baseline, "baseline", "base", "baseline snapshot name")
	compareCmd.Flags().StringVar(&compareFlags.current, "current", "head", "current snapshot name")
	compareCmd.Flags().StringVar(&compareFlags.format, "format", "table", "output: table, markdown, json")
	_ = compareCmd.MarkFlagRequired("scope")

	serveCmd.Flags().String("addr", "", "listen address")

	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsShowCmd, snapshotsDeleteCmd)
	rootCmd.AddCommand(runCmd, compareCmd, snapshotsCmd, serveCmd, initCmd, versionCmd)
}

// loadConfig reads the configuration and sets up logging.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath, cmd.Flags().Changed("config"), cmd.Flags())
	if err != nil {
		return err
	}
	cfg = c
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}
	l, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logSink = l
	logger = l.Slog()
	slog.SetDefault(logger)
	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	if err := config.WriteDefault(configPath); err != nil {
		return err
	}
	cmd.Printf("wrote %s\n", configPath)
	return nil
}
