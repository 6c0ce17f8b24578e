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
Package report publishes the outcome of gate runs.

A Sink receives every finished pipeline.Result, whatever its state. Sinks are
best effort: a failing sink is logged by the caller and never changes the
verdict of the run.
*/
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

// Sink publishes finished runs.
type Sink interface {
	// Publish records res. res must not be modified.
	Publish(ctx context.Context, res *pipeline.Result) error
}

// -----------------------------------------------------------------------------
// Multi
// -----------------------------------------------------------------------------

// Multi publishes to every sink in order.
//
// A failing sink does not stop the others. The failures are logged and
// returned joined.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti combines sinks. Nil sinks are skipped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Publish implements Sink.
func (m *Multi) Publish(ctx context.Context, res *pipeline.Result) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, res); err != nil {
			m.logger.Warn("report sink failed",
				slog.String("sink", fmt.Sprintf("%T", s)),
				slog.String("run_id", res.RunID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// JSON file
// -----------------------------------------------------------------------------

// JSONFileSink writes each result to <Dir>/<run id>.json.
type JSONFileSink struct {
	Dir string
}

// NewJSONFileSink creates dir if needed.
func NewJSONFileSink(dir string) (*JSONFileSink, error) {
	if dir == "" {
		return nil, errors.New("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &JSONFileSink{Dir: dir}, nil
}

// Path returns the file a run is written to.
func (s *JSONFileSink) Path(runID string) string {
	return filepath.Join(s.Dir, runID+".json")
}

// Publish writes res through a temporary file so readers never see a
// partial document.
func (s *JSONFileSink) Publish(ctx context.Context, res *pipeline.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run %s: %w", res.RunID, err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".benchgate-*.json")
	if err != nil {
		return fmt.Errorf("write run %s: %w", res.RunID, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write run %s: %w", res.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write run %s: %w", res.RunID, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(res.RunID)); err != nil {
		return fmt.Errorf("write run %s: %w", res.RunID, err)
	}
	return nil
}
