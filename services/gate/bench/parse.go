// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bench

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

// ErrNoResults is returned when the harness reported no benchmarks.
var ErrNoResults = errors.New("harness reported no benchmarks")

//go:embed results.schema.json
var resultsSchemaJSON []byte

const resultsSchemaURL = "results.schema.json"

var (
	resultsSchema     *jsonschema.Schema
	resultsSchemaErr  error
	resultsSchemaOnce sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	resultsSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(resultsSchemaJSON))
		if err != nil {
			resultsSchemaErr = fmt.Errorf("decode results schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(resultsSchemaURL, doc); err != nil {
			resultsSchemaErr = fmt.Errorf("add results schema: %w", err)
			return
		}
		resultsSchema, resultsSchemaErr = c.Compile(resultsSchemaURL)
	})
	return resultsSchema, resultsSchemaErr
}

type resultsDoc struct {
	Metric     string `json:"metric"`
	Benchmarks []struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	} `json:"benchmarks"`
}

// ParseJSON decodes a results file written by the harness.
//
// The document must match results.schema.json and report metric.
func ParseJSON(data []byte, metric string) ([]snapshot.Record, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed results: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("results do not match schema: %w", err)
	}

	var doc resultsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if doc.Metric != metric {
		return nil, fmt.Errorf("results report metric %q, configured metric is %q", doc.Metric, metric)
	}

	recs := make([]snapshot.Record, 0, len(doc.Benchmarks))
	seen := make(map[string]bool, len(doc.Benchmarks))
	for _, b := range doc.Benchmarks {
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate benchmark id %q", b.ID)
		}
		seen[b.ID] = true
		recs = append(recs, snapshot.Record{ID: b.ID, Value: b.Value})
	}
	if len(recs) == 0 {
		return nil, ErrNoResults
	}
	return recs, nil
}

// ParseGoBench extracts metric from "go test -bench" output.
//
// Each result line looks like
//
//	BenchmarkParse/small-8   1000   1234 ns/op   5678 instructions/op
//
// The GOMAXPROCS suffix is dropped from the id so results from machines
// with different core counts line up. A line that does not report metric is
// an error, since silently skipping it would hide a Removed benchmark.
func ParseGoBench(out []byte, metric string) ([]snapshot.Record, error) {
	var recs []snapshot.Record
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || !strings.HasPrefix(fields[0], "Benchmark") {
			continue
		}
		if _, err := strconv.ParseInt(fields[1], 10, 64); err != nil {
			// "BenchmarkFoo" printed as a log line, not a result.
			continue
		}

		id := trimProcs(fields[0])
		value, ok, err := findMetric(fields[2:], metric)
		if err != nil {
			return nil, fmt.Errorf("benchmark %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("benchmark %s does not report %q", id, metric)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate benchmark id %q", id)
		}
		seen[id] = true
		recs = append(recs, snapshot.Record{ID: id, Value: value})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read benchmark output: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNoResults
	}
	return recs, nil
}

// findMetric scans "value unit" pairs.
func findMetric(pairs []string, metric string) (float64, bool, error) {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != metric {
			continue
		}
		v, err := strconv.ParseFloat(pairs[i], 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse %s value %q: %w", metric, pairs[i], err)
		}
		return v, true, nil
	}
	return 0, false, nil
}

// trimProcs removes a trailing "-<digits>" GOMAXPROCS suffix.
func trimProcs(name string) string {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return name
	}
	if _, err := strconv.Atoi(name[i+1:]); err != nil {
		return name
	}
	return name[:i]
}
