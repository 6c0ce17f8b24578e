// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkout

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
)

// testRepo is a throwaway repository with two commits on main.
type testRepo struct {
	dir    string
	first  string
	second string
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{"-c", "user.name=bench", "-c", "user.email=bench@example.com", "-c", "commit.gpgsign=false"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte("one\n"), 0o644))
	runGit(t, dir, "add", "version.txt")
	runGit(t, dir, "commit", "-q", "-m", "first")
	first := runGit(t, dir, "rev-parse", "HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte("two\n"), 0o644))
	runGit(t, dir, "commit", "-q", "-am", "second")
	second := runGit(t, dir, "rev-parse", "HEAD")

	return &testRepo{dir: dir, first: first, second: second}
}

func openManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := Open(context.Background(), cfg, process.NewExecRunner(), "run-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func readVersion(t *testing.T, tree *WorkingTree) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tree.Dir(), "version.txt"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestManager_Resolve(t *testing.T) {
	repo := newTestRepo(t)
	m := openManager(t, Config{RepoDir: repo.dir})
	ctx := context.Background()

	rev, err := m.Resolve(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, repo.second, rev.Commit)
	assert.Equal(t, "main", rev.Ref)

	rev, err = m.Resolve(ctx, "main^")
	require.NoError(t, err)
	assert.Equal(t, repo.first, rev.Commit)

	for _, ref := range []string{"main^^", "does-not-exist", "", "--all"} {
		_, err = m.Resolve(ctx, ref)
		require.Error(t, err, ref)
		assert.Equal(t, gate.KindCheckout, gate.KindOf(err), ref)
		assert.True(t, errors.Is(err, ErrUnresolvable), ref)
	}
}

func TestManager_CheckoutIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	m := openManager(t, Config{RepoDir: repo.dir})
	ctx := context.Background()

	rev, err := m.Resolve(ctx, "main^")
	require.NoError(t, err)

	t1, err := m.Checkout(ctx, rev)
	require.NoError(t, err)
	t2, err := m.Checkout(ctx, rev)
	require.NoError(t, err)

	assert.Same(t, t1, t2)
	assert.Equal(t, "one", readVersion(t, t1))
	require.NoError(t, t1.Verify(ctx))

	t1.Release()
	assert.ErrorIs(t, t2.Err(), ErrReleased)

	t3, err := m.Checkout(ctx, rev)
	require.NoError(t, err)
	defer t3.Release()
	assert.Equal(t, rev, t3.Revision())
	assert.Equal(t, "one", readVersion(t, t3))
}

func TestManager_CheckoutWaitsForRelease(t *testing.T) {
	repo := newTestRepo(t)
	m := openManager(t, Config{RepoDir: repo.dir})
	ctx := context.Background()

	base, err := m.Resolve(ctx, "main^")
	require.NoError(t, err)
	head, err := m.Resolve(ctx, "main")
	require.NoError(t, err)

	baseTree, err := m.Checkout(ctx, base)
	require.NoError(t, err)

	t.Run("gives up with the context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := m.Checkout(cctx, head)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, "one", readVersion(t, baseTree))
	})

	t.Run("proceeds after release", func(t *testing.T) {
		done := make(chan *WorkingTree, 1)
		go func() {
			tree, err := m.Checkout(ctx, head)
			assert.NoError(t, err)
			done <- tree
		}()

		select {
		case <-done:
			t.Fatal("checkout of head ran while base was outstanding")
		case <-time.After(50 * time.Millisecond):
		}

		baseTree.Release()
		select {
		case tree := <-done:
			require.NotNil(t, tree)
			assert.Equal(t, "two", readVersion(t, tree))
			tree.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("checkout did not proceed after release")
		}
	})
}

func TestManager_DirtyTree(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(repo.dir, "version.txt"), []byte("local\n"), 0o644))

	m := openManager(t, Config{RepoDir: repo.dir})
	rev, err := m.Resolve(ctx, "main^")
	require.NoError(t, err)
	_, err = m.Checkout(ctx, rev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDirty))

	forced, err := Open(ctx, Config{RepoDir: repo.dir, Force: true}, process.NewExecRunner(), "run-2", nil)
	require.NoError(t, err)
	defer forced.Close(ctx)
	tree, err := forced.Checkout(ctx, rev)
	require.NoError(t, err)
	defer tree.Release()
	assert.Equal(t, "one", readVersion(t, tree))
}

func TestManager_InPlaceRestoresBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	m, err := Open(ctx, Config{RepoDir: repo.dir}, process.NewExecRunner(), "run-1", nil)
	require.NoError(t, err)
	rev, err := m.Resolve(ctx, "main^")
	require.NoError(t, err)
	tree, err := m.Checkout(ctx, rev)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.ErrorIs(t, tree.Err(), ErrReleased)
	assert.Equal(t, "main", runGit(t, repo.dir, "symbolic-ref", "--short", "HEAD"))

	_, err = m.Checkout(ctx, rev)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, m.Close(ctx))
}

func TestManager_Worktree(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "worktrees")

	m, err := Open(ctx, Config{RepoDir: repo.dir, Mode: ModeWorktree, WorktreeRoot: root},
		process.NewExecRunner(), "bench/main/run 7", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bench_main_run_7"), m.Dir())

	rev, err := m.Resolve(ctx, "main^")
	require.NoError(t, err)
	tree, err := m.Checkout(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, "one", readVersion(t, tree))

	// The repository itself is untouched.
	assert.Equal(t, "main", runGit(t, repo.dir, "symbolic-ref", "--short", "HEAD"))

	require.NoError(t, m.Close(ctx))
	_, err = os.Stat(m.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestWorkingTree_Drift(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("verify detects moved HEAD", func(t *testing.T) {
		m := openManager(t, Config{RepoDir: repo.dir})
		rev, err := m.Resolve(ctx, "main^")
		require.NoError(t, err)
		tree, err := m.Checkout(ctx, rev)
		require.NoError(t, err)
		defer tree.Release()

		runGit(t, repo.dir, "checkout", "-q", "--detach", repo.second)
		assert.ErrorIs(t, tree.Verify(ctx), ErrDrift)
		assert.ErrorIs(t, tree.Err(), ErrDrift)
	})

	t.Run("watcher marks tree drifted", func(t *testing.T) {
		runGit(t, repo.dir, "checkout", "-q", "main")
		m := openManager(t, Config{RepoDir: repo.dir, WatchHead: true})
		rev, err := m.Resolve(ctx, "main^")
		require.NoError(t, err)
		tree, err := m.Checkout(ctx, rev)
		require.NoError(t, err)
		defer tree.Release()
		require.NoError(t, tree.Err())

		runGit(t, repo.dir, "checkout", "-q", "--detach", repo.second)
		assert.Eventually(t, func() bool {
			return errors.Is(tree.Err(), ErrDrift)
		}, 5*time.Second, 20*time.Millisecond)
	})
}

func TestManager_CheckoutWithMockRunner(t *testing.T) {
	const commit = "0123456789abcdef0123456789abcdef01234567"
	m := &process.MockRunner{
		RunFunc: func(_ context.Context, cmd process.Command) (*process.Output, error) {
			switch {
			case len(cmd.Args) > 0 && cmd.Args[0] == "symbolic-ref":
				return &process.Output{Stdout: []byte("main\n")}, nil
			case len(cmd.Args) > 1 && cmd.Args[0] == "rev-parse" && cmd.Args[1] == "--absolute-git-dir":
				return &process.Output{Stdout: []byte("/repo/.git\n")}, nil
			case len(cmd.Args) > 0 && cmd.Args[0] == "rev-parse":
				return &process.Output{Stdout: []byte(commit + "\n")}, nil
			default:
				return &process.Output{}, nil
			}
		},
	}
	ctx := context.Background()
	mgr, err := Open(ctx, Config{RepoDir: "/repo"}, m, "r1", nil)
	require.NoError(t, err)
	m.Reset()

	rev := gate.Revision{Ref: "main", Commit: commit}
	t1, err := mgr.Checkout(ctx, rev)
	require.NoError(t, err)
	first := len(m.Calls())
	assert.Equal(t, 3, first, "status, checkout, rev-parse")

	t2, err := mgr.Checkout(ctx, rev)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Len(t, m.Calls(), first, "second checkout runs nothing")

	t1.Release()
	t3, err := mgr.Checkout(ctx, rev)
	require.NoError(t, err)
	assert.NotSame(t, t1, t3)
	calls := m.Calls()
	require.Len(t, calls, first+1, "re-checkout of HEAD only verifies")
	assert.Equal(t, "git rev-parse HEAD", calls[first].String())

	_, err = mgr.Checkout(ctx, gate.Revision{Ref: "main"})
	assert.Equal(t, gate.KindCheckout, gate.KindOf(err))
}

func TestWorktreeName(t *testing.T) {
	assert.Equal(t, "a_b_c", worktreeName("a/b c"))
	assert.Equal(t, "run", worktreeName(".."))
	assert.Equal(t, "run", worktreeName(""))
}

func TestIsCommitHash(t *testing.T) {
	assert.True(t, isCommitHash(strings.Repeat("a", 40)))
	assert.True(t, isCommitHash(strings.Repeat("0", 64)))
	assert.False(t, isCommitHash("abc"))
	assert.False(t, isCommitHash(strings.Repeat("g", 40)))
}
