// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudflare/backoff"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

const (
	// MeasurementBenchmark holds one point per compared benchmark.
	MeasurementBenchmark = "benchgate_benchmark"

	// MeasurementRun holds one summary point per run.
	MeasurementRun = "benchgate_run"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	// MaxAttempts bounds the writes of one Publish. Zero means 3.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// RetryInterval is the initial backoff interval. Zero means 1s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxBackoff caps a single backoff wait. Zero means 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func (c *InfluxConfig) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// pointWriter is the part of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes run results to InfluxDB as points so benchmark values
// can be charted across revisions.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	cfg    InfluxConfig
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
}

// NewInfluxSink connects to the configured server.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	s.client = client
	return s, nil
}

func newInfluxSink(cfg InfluxConfig, w pointWriter, logger *slog.Logger) *InfluxSink {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxSink{cfg: cfg, writer: w, logger: logger}
}

// Publish writes the points of res, retrying failed writes with
// exponential backoff.
func (s *InfluxSink) Publish(ctx context.Context, res *pipeline.Result) error {
	points := Points(res)
	b := backoff.New(s.cfg.MaxBackoff, s.cfg.RetryInterval)

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err = s.writer.WritePoint(ctx, points...); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == s.cfg.MaxAttempts {
			break
		}
		wait := b.Duration()
		s.logger.Debug("influx write failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if serr := sleepCtx(ctx, wait); serr != nil {
			return fmt.Errorf("write run %s to influx: %w", res.RunID, serr)
		}
	}
	return fmt.Errorf("write run %s to influx: %w", res.RunID, err)
}

// Close flushes and closes the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Points converts res to line protocol points: one summary point, plus one
// point per entry when the run produced a report.
func Points(res *pipeline.Result) []*write.Point {
	at := res.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}

	summary := influxdb2.NewPointWithMeasurement(MeasurementRun).
		AddTag("workflow", res.Key.Workflow).
		AddTag("ref", res.Key.Ref).
		AddTag("state", res.State.String()).
		AddField("run_id", res.RunID).
		AddField("exit_code", res.ExitCode()).
		AddField("duration_seconds", res.FinishedAt.Sub(res.StartedAt).Seconds()).
		SetTime(at)
	if res.HeadRevision.Commit != "" {
		summary.AddField("head_commit", res.HeadRevision.Commit)
	}
	if res.BaseRevision.Commit != "" {
		summary.AddField("base_commit", res.BaseRevision.Commit)
	}
	if res.Error != "" {
		summary.AddField("error", res.Error)
	}

	points := []*write.Point{summary}
	if res.Report == nil {
		return points
	}

	r := res.Report
	summary.AddTag("verdict", string(r.Verdict)).
		AddTag("metric", r.Metric).
		AddField("regressed", r.Counts.Regressed).
		AddField("improved", r.Counts.Improved).
		AddField("inconclusive", r.Counts.Inconclusive).
		AddField("ok", r.Counts.OK).
		AddField("added", r.Counts.Added).
		AddField("removed", r.Counts.Removed)

	for _, e := range r.Entries {
		points = append(points, entryPoint(res, r, e, at))
	}
	return points
}

func entryPoint(res *pipeline.Result, r *compare.Report, e compare.Entry, at time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(MeasurementBenchmark).
		AddTag("workflow", res.Key.Workflow).
		AddTag("ref", res.Key.Ref).
		AddTag("benchmark", e.ID).
		AddTag("metric", r.Metric).
		AddTag("status", string(e.Status)).
		AddField("run_id", res.RunID).
		AddField("threshold", e.Threshold).
		SetTime(at)
	if e.Baseline != nil {
		p.AddField("baseline", *e.Baseline)
	}
	if e.Current != nil {
		p.AddField("current", *e.Current)
	}
	if e.Relative != nil {
		p.AddField("relative", *e.Relative)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
