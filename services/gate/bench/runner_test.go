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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

const testScope = gate.Scope("bench/main/r1")

// fakeTree is a Tree whose Verify result can be scripted per call.
type fakeTree struct {
	rev      gate.Revision
	dir      string
	verify   []error
	verified int
}

func (f *fakeTree) Dir() string             { return f.dir }
func (f *fakeTree) Revision() gate.Revision { return f.rev }
func (f *fakeTree) Verify(context.Context) error {
	defer func() { f.verified++ }()
	if f.verified < len(f.verify) {
		return f.verify[f.verified]
	}
	return nil
}

func newTree() *fakeTree {
	return &fakeTree{rev: gate.Revision{Ref: "main", Commit: strings.Repeat("a", 40)}, dir: "/work"}
}

// writeResults returns a RunFunc that writes body to BENCHGATE_RESULTS.
func writeResults(t *testing.T, body string) func(context.Context, process.Command) (*process.Output, error) {
	return func(_ context.Context, cmd process.Command) (*process.Output, error) {
		for _, kv := range cmd.Env {
			if path, ok := strings.CutPrefix(kv, EnvResults+"="); ok {
				require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			}
		}
		return &process.Output{}, nil
	}
}

func newRunner(t *testing.T, cfg Config, proc process.Runner, store snapshot.Store) *Runner {
	t.Helper()
	if cfg.Command == nil {
		cfg.Command = []string{"./bench.sh", "--all"}
	}
	if cfg.Metric == "" {
		cfg.Metric = "instructions"
	}
	r, err := NewRunner(cfg, proc, store, WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}))
	require.NoError(t, err)
	return r
}

func TestParseGoBench_Testdata(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "gobench_*.txtar"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			ar, err := txtar.ParseFile(file)
			require.NoError(t, err)
			metric := strings.TrimSpace(strings.TrimPrefix(string(ar.Comment), "metric:"))

			archive := map[string][]byte{}
			for _, f := range ar.Files {
				archive[f.Name] = f.Data
			}
			want := strings.TrimSpace(string(archive["want"]))

			recs, err := ParseGoBench(archive["output"], metric)
			if msg, ok := strings.CutPrefix(want, "error "); ok {
				require.Error(t, err)
				assert.Contains(t, err.Error(), msg)
				return
			}
			require.NoError(t, err)

			var got []string
			for _, r := range recs {
				got = append(got, r.ID+" "+strconv.FormatFloat(r.Value, 'f', -1, 64))
			}
			assert.Equal(t, strings.Split(want, "\n"), got)
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []snapshot.Record
		wantErr string
	}{
		{
			name: "valid",
			body: `{"metric":"instructions","benchmarks":[{"id":"a","value":100},{"id":"b","value":0}]}`,
			want: []snapshot.Record{{ID: "a", Value: 100}, {ID: "b", Value: 0}},
		},
		{name: "malformed", body: `{"metric":`, wantErr: "malformed"},
		{name: "missing benchmarks", body: `{"metric":"instructions"}`, wantErr: "schema"},
		{name: "negative value", body: `{"metric":"instructions","benchmarks":[{"id":"a","value":-1}]}`, wantErr: "schema"},
		{name: "string value", body: `{"metric":"instructions","benchmarks":[{"id":"a","value":"1"}]}`, wantErr: "schema"},
		{name: "unknown field", body: `{"metric":"instructions","benchmarks":[{"id":"a","value":1,"unit":"x"}]}`, wantErr: "schema"},
		{name: "metric mismatch", body: `{"metric":"cycles","benchmarks":[{"id":"a","value":1}]}`, wantErr: "configured metric"},
		{name: "duplicate", body: `{"metric":"instructions","benchmarks":[{"id":"a","value":1},{"id":"a","value":2}]}`, wantErr: "duplicate"},
		{name: "empty", body: `{"metric":"instructions","benchmarks":[]}`, wantErr: "no benchmarks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseJSON([]byte(tt.body), "instructions")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, recs)
		})
	}
}

func TestTrimProcs(t *testing.T) {
	assert.Equal(t, "BenchmarkA", trimProcs("BenchmarkA-8"))
	assert.Equal(t, "BenchmarkA/size-1k", trimProcs("BenchmarkA/size-1k"))
	assert.Equal(t, "BenchmarkA/n-10", trimProcs("BenchmarkA/n-10-4"))
	assert.Equal(t, "BenchmarkA-", trimProcs("BenchmarkA-"))
}

func TestNewRunner(t *testing.T) {
	store := snapshot.NewMemoryStore()
	proc := &process.MockRunner{}

	_, err := NewRunner(Config{Metric: "instructions"}, proc, store)
	assert.Error(t, err, "command required")
	_, err = NewRunner(Config{Command: []string{"x"}}, proc, store)
	assert.Error(t, err, "metric required")
	_, err = NewRunner(Config{Command: []string{"x"}, Metric: "ns/op"}, proc, store)
	assert.Error(t, err, "wall clock rejected")
	_, err = NewRunner(Config{Command: []string{"x"}, Metric: "instructions", Format: "xml"}, proc, store)
	assert.Error(t, err, "unknown format")
	_, err = NewRunner(Config{Command: []string{"x"}, Metric: "instructions"}, nil, store)
	assert.Error(t, err)
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes json results", func(t *testing.T) {
		store := snapshot.NewMemoryStore()
		proc := &process.MockRunner{RunFunc: writeResults(t,
			`{"metric":"instructions","benchmarks":[{"id":"b","value":50},{"id":"a","value":100}]}`)}
		r := newRunner(t, Config{Env: []string{"EXTRA=1"}}, proc, store)
		tree := newTree()

		s, err := r.Run(ctx, tree, testScope, gate.BaselineSnapshot)
		require.NoError(t, err)
		assert.Equal(t, []snapshot.Record{{ID: "a", Value: 100}, {ID: "b", Value: 50}}, s.Records)
		assert.Equal(t, tree.rev, s.Revision)
		assert.Equal(t, 2, tree.verified, "verified before and after the harness")

		stored, err := store.Get(ctx, testScope, gate.BaselineSnapshot)
		require.NoError(t, err)
		assert.Equal(t, s, stored)

		calls := proc.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "./bench.sh", calls[0].Name)
		assert.Equal(t, "/work", calls[0].Dir)
		assert.Contains(t, calls[0].Env, EnvSnapshot+"=base")
		assert.Contains(t, calls[0].Env, EnvRevision+"="+tree.rev.Commit)
		assert.Contains(t, calls[0].Env, "EXTRA=1")
	})

	t.Run("publishes gobench results", func(t *testing.T) {
		store := snapshot.NewMemoryStore()
		proc := &process.MockRunner{RunFunc: func(context.Context, process.Command) (*process.Output, error) {
			return &process.Output{Stdout: []byte("BenchmarkA-8  10  5 ns/op  42 instructions/op\n")}, nil
		}}
		r := newRunner(t, Config{Format: FormatGoBench, Metric: "instructions/op"}, proc, store)

		s, err := r.Run(ctx, newTree(), testScope, gate.HeadSnapshot)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"BenchmarkA": 42}, s.Values())
	})

	failures := []struct {
		name string
		run  func(context.Context, process.Command) (*process.Output, error)
		tree func() *fakeTree
	}{
		{
			name: "harness crash",
			run: func(context.Context, process.Command) (*process.Output, error) {
				return &process.Output{ExitCode: 2}, &process.ExitError{Command: "bench", ExitCode: 2, Stderr: "panic"}
			},
		},
		{
			name: "harness timeout",
			run: func(context.Context, process.Command) (*process.Output, error) {
				return &process.Output{}, process.ErrTimeout
			},
		},
		{
			name: "no results written",
			run: func(context.Context, process.Command) (*process.Output, error) {
				return &process.Output{}, nil
			},
		},
		{
			name: "partial results",
			run:  writeResults(t, `{"metric":"instructions","benchmarks":[{"id":"a","val`),
		},
		{
			name: "drift before run",
			run:  writeResults(t, `{"metric":"instructions","benchmarks":[{"id":"a","value":1}]}`),
			tree: func() *fakeTree {
				tr := newTree()
				tr.verify = []error{errors.New("HEAD moved")}
				return tr
			},
		},
		{
			name: "drift during run",
			run:  writeResults(t, `{"metric":"instructions","benchmarks":[{"id":"a","value":1}]}`),
			tree: func() *fakeTree {
				tr := newTree()
				tr.verify = []error{nil, errors.New("HEAD moved")}
				return tr
			},
		},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			store := snapshot.NewMemoryStore()
			r := newRunner(t, Config{}, &process.MockRunner{RunFunc: tt.run}, store)
			tree := newTree()
			if tt.tree != nil {
				tree = tt.tree()
			}

			_, err := r.Run(ctx, tree, testScope, gate.BaselineSnapshot)
			require.Error(t, err)
			assert.Equal(t, gate.KindBenchmark, gate.KindOf(err))

			refs, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, refs, "nothing published")
		})
	}

	t.Run("guard discards result", func(t *testing.T) {
		store := snapshot.NewMemoryStore()
		proc := &process.MockRunner{RunFunc: writeResults(t,
			`{"metric":"instructions","benchmarks":[{"id":"a","value":1}]}`)}
		r := newRunner(t, Config{}, proc, store)

		_, err := r.Run(ctx, newTree(), testScope, gate.BaselineSnapshot,
			WithGuard(func() error { return gate.ErrPreempted }))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDiscarded))
		assert.True(t, errors.Is(err, gate.ErrPreempted))

		_, err = store.Get(ctx, testScope, gate.BaselineSnapshot)
		assert.True(t, errors.Is(err, snapshot.ErrNotFound))
	})

	t.Run("rerun replaces snapshot", func(t *testing.T) {
		store := snapshot.NewMemoryStore()
		body := `{"metric":"instructions","benchmarks":[{"id":"a","value":1}]}`
		proc := &process.MockRunner{RunFunc: func(c context.Context, cmd process.Command) (*process.Output, error) {
			return writeResults(t, body)(c, cmd)
		}}
		r := newRunner(t, Config{}, proc, store)

		_, err := r.Run(ctx, newTree(), testScope, gate.BaselineSnapshot)
		require.NoError(t, err)
		body = `{"metric":"instructions","benchmarks":[{"id":"b","value":2}]}`
		_, err = r.Run(ctx, newTree(), testScope, gate.BaselineSnapshot)
		require.NoError(t, err)

		s, err := store.Get(ctx, testScope, gate.BaselineSnapshot)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"b": 2}, s.Values())
	})
}
