// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/cancel"
	"github.com/AleutianAI/benchgate/services/gate/checkout"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/process"
	"github.com/AleutianAI/benchgate/services/gate/provision"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{"-c", "user.name=bench", "-c", "user.email=bench@example.com", "-c", "commit.gpgsign=false"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// newGitRepo creates a repository whose main branch has two commits. The
// returned map gives the content of version.txt at each commit.
func newGitRepo(t *testing.T) (dir string, versions map[string]string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir = t.TempDir()
	gitCmd(t, dir, "init", "-q")
	gitCmd(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")

	versions = map[string]string{}
	for _, v := range []string{"one", "two"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte(v+"\n"), 0o644))
		gitCmd(t, dir, "add", "version.txt")
		gitCmd(t, dir, "commit", "-q", "-m", v)
		versions[gitCmd(t, dir, "rev-parse", "HEAD")] = v
	}
	return dir, versions
}

// observation is what the harness found in its working directory.
type observation struct {
	commit  string
	version string
}

// treeHarness reads version.txt from the directory it runs in and reports
// a constant result.
type treeHarness struct {
	// before runs ahead of reading the tree; call counts from 1.
	before func(call int)

	mu    sync.Mutex
	calls int
	seen  []observation
}

func (h *treeHarness) run(_ context.Context, cmd process.Command) (*process.Output, error) {
	var resultsPath, commit string
	for _, kv := range cmd.Env {
		if v, ok := strings.CutPrefix(kv, bench.EnvResults+"="); ok {
			resultsPath = v
		}
		if v, ok := strings.CutPrefix(kv, bench.EnvRevision+"="); ok {
			commit = v
		}
	}
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	if h.before != nil {
		h.before(call)
	}

	data, err := os.ReadFile(filepath.Join(cmd.Dir, "version.txt"))
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.seen = append(h.seen, observation{commit: commit, version: strings.TrimSpace(string(data))})
	h.mu.Unlock()

	body := `{"metric":"instructions","benchmarks":[{"id":"a","value":100}]}`
	if err := os.WriteFile(resultsPath, []byte(body), 0o600); err != nil {
		return nil, err
	}
	return &process.Output{}, nil
}

func (h *treeHarness) observations() []observation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]observation(nil), h.seen...)
}

func newGitPipeline(t *testing.T, repoDir string, h *treeHarness) *Pipeline {
	t.Helper()
	store := snapshot.NewMemoryStore()
	runner, err := bench.NewRunner(bench.Config{Command: []string{"./bench"}, Metric: "instructions"},
		&process.MockRunner{RunFunc: h.run}, store)
	require.NoError(t, err)
	cmp, err := compare.NewComparator(store, compare.Thresholds{Default: 0.10})
	require.NoError(t, err)

	p, err := New(Config{DefaultBranch: "main", Toolchain: "stable"}, Deps{
		Controller:  cancel.NewController(cancel.WithMetrics(cancel.NewMetrics(prometheus.NewRegistry()))),
		Provisioner: provision.Noop{},
		Workspaces:  CheckoutWorkspaces(checkout.Config{RepoDir: repoDir}, process.NewExecRunner(), nil),
		Bench:       runner,
		Comparer:    cmp,
		Store:       store,
	})
	require.NoError(t, err)
	return p
}

// assertMeasuredResolved checks that every harness call ran on the commit
// it was told to benchmark.
func assertMeasuredResolved(t *testing.T, versions map[string]string, seen []observation) {
	t.Helper()
	for _, o := range seen {
		assert.Equal(t, versions[o.commit], o.version, "harness for %s ran on the wrong tree", o.commit)
	}
}

func TestCheckoutWorkspaces_ConcurrentKeysShareRepository(t *testing.T) {
	dir, versions := newGitRepo(t)
	h := &treeHarness{before: func(int) { time.Sleep(30 * time.Millisecond) }}
	p := newGitPipeline(t, dir, h)
	ctx := context.Background()

	a, err := p.Start(ctx, gate.Trigger{WorkflowName: "bench", HeadRef: "main", BaseRef: "main^"})
	require.NoError(t, err)
	b, err := p.Start(ctx, gate.Trigger{WorkflowName: "other", HeadRef: "main^", BaseRef: "main"})
	require.NoError(t, err)

	for _, r := range []*Run{a, b} {
		res := r.Wait()
		require.Equal(t, StateDone, res.State, "run %s: %s", res.RunID, res.Error)
		assert.Equal(t, compare.VerdictPass, res.Report.Verdict)
	}
	assert.Equal(t, "one", versions[a.Result().BaseRevision.Commit])
	assert.Equal(t, "two", versions[a.Result().HeadRevision.Commit])
	assert.Equal(t, "two", versions[b.Result().BaseRevision.Commit])
	assert.Equal(t, "one", versions[b.Result().HeadRevision.Commit])

	seen := h.observations()
	assert.Len(t, seen, 4)
	assertMeasuredResolved(t, versions, seen)
	assert.Equal(t, "main", gitCmd(t, dir, "symbolic-ref", "--short", "HEAD"))
}

// The preempted run finishes its harness call after its successor asked
// for a checkout. The successor must not be moved off its revision when the
// preempted run cleans up.
func TestCheckoutWorkspaces_PreemptedRunLeavesSuccessorTree(t *testing.T) {
	dir, versions := newGitRepo(t)
	ctx := context.Background()
	trig := gate.Trigger{WorkflowName: "bench", HeadRef: "main", BaseRef: "main^"}

	var (
		p         *Pipeline
		second    *Run
		startErr  error
		firstDone = make(chan struct{})
	)
	h := &treeHarness{}
	h.before = func(call int) {
		switch call {
		case 1:
			second, startErr = p.Start(ctx, trig)
			// Let the successor reach its checkout while this call is in flight.
			time.Sleep(150 * time.Millisecond)
		case 2:
			// The successor measures only after the preempted run is gone.
			<-firstDone
		}
	}
	p = newGitPipeline(t, dir, h)

	first, err := p.Execute(ctx, trig)
	close(firstDone)
	require.NoError(t, err)
	require.NoError(t, startErr)
	require.NotNil(t, second)
	assert.True(t, first.Preempted())
	assert.Equal(t, ExitPreempted, first.ExitCode())

	res := second.Wait()
	require.Equal(t, StateDone, res.State, res.Error)
	assert.Equal(t, compare.VerdictPass, res.Report.Verdict)
	assert.Equal(t, "one", versions[res.BaseRevision.Commit])
	assert.Equal(t, "two", versions[res.HeadRevision.Commit])

	seen := h.observations()
	assert.Len(t, seen, 3, "preempted base, successor base and head")
	assertMeasuredResolved(t, versions, seen)
	assert.Equal(t, "main", gitCmd(t, dir, "symbolic-ref", "--short", "HEAD"))
}
