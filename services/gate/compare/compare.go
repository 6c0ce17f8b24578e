// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare turns two snapshots into a regression report.
//
// For every benchmark id the relative change (current - baseline) / baseline
// is checked against a threshold. The overall verdict is Regressed if any
// entry regressed, otherwise Inconclusive if any entry had a zero baseline,
// otherwise Pass. Added and Removed benchmarks are reported but never
// affect the verdict.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrMetricMismatch is returned when the snapshots measure different things.
	ErrMetricMismatch = errors.New("snapshots record different metrics")

	// ErrInvalidThreshold is returned for a negative or non-finite threshold.
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Status classifies one benchmark.
type Status string

const (
	StatusOK           Status = "ok"
	StatusRegressed    Status = "regressed"
	StatusImproved     Status = "improved"
	StatusInconclusive Status = "inconclusive"
	StatusAdded        Status = "added"
	StatusRemoved      Status = "removed"
)

// Verdict is the overall outcome of a comparison.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictRegressed    Verdict = "regressed"
	VerdictInconclusive Verdict = "inconclusive"
)

// Thresholds holds the maximum tolerated relative increase per benchmark.
//
// Default has no built-in value and must come from configuration.
type Thresholds struct {
	// Default applies to every benchmark without an override. 0.10 = 10%.
	Default float64 `json:"default" yaml:"default"`

	// Overrides maps benchmark ids to their own threshold.
	Overrides map[string]float64 `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// For returns the threshold for id.
func (t Thresholds) For(id string) float64 {
	if v, ok := t.Overrides[id]; ok {
		return v
	}
	return t.Default
}

// Validate rejects negative, NaN and infinite thresholds.
func (t Thresholds) Validate() error {
	if err := checkThreshold("default", t.Default); err != nil {
		return err
	}
	for id, v := range t.Overrides {
		if err := checkThreshold(id, v); err != nil {
			return err
		}
	}
	return nil
}

func checkThreshold(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s = %v", ErrInvalidThreshold, name, v)
	}
	return nil
}

// Entry is the comparison of one benchmark.
type Entry struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Baseline and Current are nil when the benchmark is absent on that side.
	Baseline *float64 `json:"baseline,omitempty"`
	Current  *float64 `json:"current,omitempty"`

	// Delta is Current - Baseline. Zero unless both sides exist.
	Delta float64 `json:"delta"`

	// Relative is Delta / Baseline. Nil when undefined.
	Relative *float64 `json:"relative,omitempty"`

	// Threshold is the threshold the entry was judged against.
	Threshold float64 `json:"threshold"`
}

// Counts tallies entries per status.
type Counts struct {
	OK           int `json:"ok"`
	Regressed    int `json:"regressed"`
	Improved     int `json:"improved"`
	Inconclusive int `json:"inconclusive"`
	Added        int `json:"added"`
	Removed      int `json:"removed"`
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusOK:
		c.OK++
	case StatusRegressed:
		c.Regressed++
	case StatusImproved:
		c.Improved++
	case StatusInconclusive:
		c.Inconclusive++
	case StatusAdded:
		c.Added++
	case StatusRemoved:
		c.Removed++
	}
}

// Report is the derived, read-only result of a comparison.
type Report struct {
	Scope            gate.Scope    `json:"scope"`
	BaselineName     string        `json:"baseline_name"`
	CurrentName      string        `json:"current_name"`
	BaselineRevision gate.Revision `json:"baseline_revision"`
	CurrentRevision  gate.Revision `json:"current_revision"`
	Metric           string        `json:"metric"`
	Threshold        float64       `json:"threshold"`
	Entries          []Entry       `json:"entries"`
	Counts           Counts        `json:"counts"`
	Verdict          Verdict       `json:"verdict"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// Entry returns the entry for id.
func (r *Report) Entry(id string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Filter returns the entries with status s.
func (r *Report) Filter(s Status) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Status == s {
			out = append(out, e)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Diff
// -----------------------------------------------------------------------------

// Diff compares two snapshots. It is pure and deterministic apart from
// GeneratedAt.
//
// Inputs:
//
//	baseline, current - The snapshots. Must not be nil and must record the
//	same metric.
//	th - Thresholds. Must pass Validate.
func Diff(baseline, current *snapshot.Snapshot, th Thresholds) (*Report, error) {
	if baseline == nil || current == nil {
		return nil, errors.New("both snapshots are required")
	}
	if baseline.Metric != current.Metric {
		return nil, fmt.Errorf("%w: %q vs %q", ErrMetricMismatch, baseline.Metric, current.Metric)
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}

	base := baseline.Values()
	cur := current.Values()

	ids := make([]string, 0, len(base)+len(cur))
	for id := range base {
		ids = append(ids, id)
	}
	for id := range cur {
		if _, ok := base[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	r := &Report{
		Scope:            current.Scope,
		BaselineName:     baseline.Name,
		CurrentName:      current.Name,
		BaselineRevision: baseline.Revision,
		CurrentRevision:  current.Revision,
		Metric:           baseline.Metric,
		Threshold:        th.Default,
		Entries:          make([]Entry, 0, len(ids)),
		GeneratedAt:      time.Now().UTC(),
	}
	for _, id := range ids {
		b, inBase := base[id]
		c, inCur := cur[id]
		e := classify(id, b, inBase, c, inCur, th.For(id))
		r.Counts.add(e.Status)
		r.Entries = append(r.Entries, e)
	}
	r.Verdict = verdict(r.Counts)
	return r, nil
}

func classify(id string, b float64, inBase bool, c float64, inCur bool, threshold float64) Entry {
	e := Entry{ID: id, Threshold: threshold}
	if inBase {
		e.Baseline = &b
	}
	if inCur {
		e.Current = &c
	}

	switch {
	case !inCur:
		e.Status = StatusRemoved
		return e
	case !inBase:
		e.Status = StatusAdded
		return e
	}

	e.Delta = c - b
	if b == 0 {
		// Relative change from zero is undefined unless nothing changed.
		if c == 0 {
			zero := 0.0
			e.Relative = &zero
			e.Status = StatusOK
		} else {
			e.Status = StatusInconclusive
		}
		return e
	}

	rel := e.Delta / b
	e.Relative = &rel
	switch {
	case rel > threshold:
		e.Status = StatusRegressed
	case rel < -threshold:
		e.Status = StatusImproved
	default:
		e.Status = StatusOK
	}
	return e
}

func verdict(c Counts) Verdict {
	switch {
	case c.Regressed > 0:
		return VerdictRegressed
	case c.Inconclusive > 0:
		return VerdictInconclusive
	default:
		return VerdictPass
	}
}

// -----------------------------------------------------------------------------
// Comparator
// -----------------------------------------------------------------------------

// Comparator loads snapshots from a store and diffs them.
//
// Thread Safety: Safe for concurrent use.
type Comparator struct {
	store      snapshot.Store
	thresholds Thresholds
	logger     *slog.Logger
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Comparator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewComparator creates a Comparator. th is required configuration.
func NewComparator(store snapshot.Store, th Thresholds, opts ...Option) (*Comparator, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	c := &Comparator{store: store, thresholds: th, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compare loads (scope, baselineName) and (scope, currentName) and diffs them.
//
// Description:
//
//	Fails with a gate.ComparisonError if either snapshot is absent or the
//	metrics differ. A report is never produced from a single snapshot.
//
// Outputs:
//
//	*Report - The report. Never nil on success.
//	error - A gate.ComparisonError.
func (c *Comparator) Compare(ctx context.Context, scope gate.Scope, baselineName, currentName string) (*Report, error) {
	op := fmt.Sprintf("compare %s/%s with %s", scope, baselineName, currentName)

	ctx, span := otel.Tracer("benchgate.compare").Start(ctx, "compare.Comparator.Compare",
		trace.WithAttributes(
			attribute.String("compare.scope", string(scope)),
			attribute.String("compare.baseline", baselineName),
			attribute.String("compare.current", currentName),
		),
	)
	defer span.End()

	fail := func(err error) (*Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, gate.ComparisonError(op, err)
	}

	baseline, err := c.store.Get(ctx, scope, baselineName)
	if err != nil {
		return fail(fmt.Errorf("load baseline: %w", err))
	}
	current, err := c.store.Get(ctx, scope, currentName)
	if err != nil {
		return fail(fmt.Errorf("load current: %w", err))
	}

	report, err := Diff(baseline, current, c.thresholds)
	if err != nil {
		return fail(err)
	}
	report.Scope = scope

	span.SetAttributes(
		attribute.String("compare.verdict", string(report.Verdict)),
		attribute.Int("compare.regressed", report.Counts.Regressed),
		attribute.Int("compare.inconclusive", report.Counts.Inconclusive),
	)
	if report.Verdict == VerdictRegressed {
		span.SetStatus(codes.Error, "regression detected")
	}

	c.logger.Info("comparison completed",
		slog.String("scope", string(scope)),
		slog.String("verdict", string(report.Verdict)),
		slog.Int("benchmarks", len(report.Entries)),
		slog.Int("regressed", report.Counts.Regressed),
		slog.Int("inconclusive", report.Counts.Inconclusive),
	)
	return report, nil
}
