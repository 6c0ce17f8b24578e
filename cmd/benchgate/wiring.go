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
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/benchgate/cmd/benchgate/config"
	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/cancel"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
	"github.com/AleutianAI/benchgate/services/gate/process"
	"github.com/AleutianAI/benchgate/services/gate/provision"
	"github.com/AleutianAI/benchgate/services/gate/report"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

// openStore opens the configured snapshot store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return snapshot.NewMemoryStore(), nil
	case config.StoreBadger:
		bc := cfg.Store.Badger
		bc.Logger = logger
		s, err := snapshot.OpenBadgerStore(bc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreGCS:
		if cfg.Store.GCS == nil {
			return nil, fmt.Errorf("store.gcs is required for the gcs backend")
		}
		s, err := snapshot.NewGCSStore(ctx, *cfg.Store.GCS)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openSinks builds the configured report sinks. The returned close func
// releases their clients.
func openSinks(cfg *config.Config, logger *slog.Logger) (*report.Multi, func(), error) {
	var sinks []report.Sink
	closeFn := func() {}
	if cfg.Report.JSONDir != "" {
		s, err := report.NewJSONFileSink(cfg.Report.JSONDir)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Report.Influx != nil {
		s, err := report.NewInfluxSink(*cfg.Report.Influx, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closeFn = s.Close
	}
	return report.NewMulti(logger, sinks...), closeFn, nil
}

// gateStack bundles everything a run needs.
type gateStack struct {
	pipeline   *pipeline.Pipeline
	controller *cancel.Controller
	store      snapshot.Store
	sinks      *report.Multi
	close      func()
}

// newGate wires the pipeline from cfg.
func newGate(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*gateStack, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	closers := []func(){func() { _ = store.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	runner := process.NewExecRunner()

	var prov provision.Provisioner = provision.Noop{}
	if len(cfg.Provision.Command) > 0 {
		opts := []provision.Option{provision.WithLogger(logger), provision.WithTimeout(cfg.Provision.Timeout)}
		if cfg.Provision.Dir != "" {
			opts = append(opts, provision.WithDir(cfg.Provision.Dir))
		}
		cp, err := provision.NewCommandProvisioner(runner, cfg.Provision.Command, opts...)
		if err != nil {
			closeAll()
			return nil, err
		}
		prov = cp
	}

	br, err := bench.NewRunner(cfg.BenchRunner(), runner, store, bench.WithLogger(logger))
	if err != nil {
		closeAll()
		return nil, err
	}
	cmp, err := compare.NewComparator(store, cfg.Thresholds(), compare.WithLogger(logger))
	if err != nil {
		closeAll()
		return nil, err
	}

	controller := cancel.NewController(
		cancel.WithMetrics(cancel.NewMetrics(reg)),
		cancel.WithLogger(logger),
	)
	closers = append(closers, controller.Close)

	p, err := pipeline.New(cfg.Gate, pipeline.Deps{
		Controller:  controller,
		Provisioner: prov,
		Workspaces:  pipeline.CheckoutWorkspaces(cfg.Checkout, runner, logger),
		Bench:       br,
		Comparer:    cmp,
		Store:       store,
	}, pipeline.WithLogger(logger))
	if err != nil {
		closeAll()
		return nil, err
	}

	sinks, closeSinks, err := openSinks(cfg, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, closeSinks)

	return &gateStack{
		pipeline:   p,
		controller: controller,
		store:      store,
		sinks:      sinks,
		close:      closeAll,
	}, nil
}
