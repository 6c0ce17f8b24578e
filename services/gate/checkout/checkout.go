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
Package checkout materializes revisions into the working environment of a
run.

A Manager owns exactly one working directory. Checkout is the only operation
that mutates it, and at most one WorkingTree is outstanding at a time: a
checkout of a different commit waits until the previous tree is released.
This keeps the directory reflecting exactly one revision while the benchmark
harness reads it.

Two workspace modes exist:

	inplace   - the repository directory itself; the original ref is
	            restored on Close
	worktree  - a dedicated "git worktree" per run, removed on Close, so
	            runs with different trigger keys never share a directory

Runs obtain their workspace from a Pool. In inplace mode the Pool hands
every run a Lease on one shared Manager, so checkouts of concurrent runs are
serialized on the single directory and the original ref is restored only
after the last Lease is closed.

External HEAD changes are detected with fsnotify and invalidate the
outstanding WorkingTree (ErrDrift).
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
)

// Mode selects where revisions are materialized.
type Mode string

const (
	// ModeInPlace checks out inside the repository directory.
	ModeInPlace Mode = "inplace"

	// ModeWorktree checks out inside a per-run git worktree.
	ModeWorktree Mode = "worktree"
)

var (
	// ErrUnresolvable is returned when a ref does not name a commit.
	ErrUnresolvable = errors.New("revision not resolvable")

	// ErrDirty is returned when tracked files are modified and Force is off.
	ErrDirty = errors.New("working tree has uncommitted changes")

	// ErrDrift is returned by a WorkingTree whose HEAD was moved by someone
	// other than the Manager.
	ErrDrift = errors.New("HEAD changed outside of the checkout manager")

	// ErrReleased is returned by a WorkingTree after Release.
	ErrReleased = errors.New("working tree released")

	// ErrClosed is returned by a Manager after Close.
	ErrClosed = errors.New("checkout manager closed")
)

// Config configures a Manager.
type Config struct {
	// RepoDir is the repository to check out from. Required.
	RepoDir string `yaml:"repo_dir" validate:"required"`

	// Mode is the workspace mode. Default: inplace.
	Mode Mode `yaml:"mode" validate:"omitempty,oneof=inplace worktree"`

	// WorktreeRoot holds per-run worktrees. Default: <tmp>/benchgate-worktrees.
	WorktreeRoot string `yaml:"worktree_root"`

	// Force discards local modifications instead of refusing to check out.
	Force bool `yaml:"force"`

	// GitBinary is the git executable. Default: "git".
	GitBinary string `yaml:"git_binary"`

	// Timeout bounds every git invocation. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// WatchHead enables fsnotify drift detection.
	WatchHead bool `yaml:"watch_head"`
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeInPlace
	}
	if c.GitBinary == "" {
		c.GitBinary = "git"
	}
	if c.WorktreeRoot == "" {
		c.WorktreeRoot = filepath.Join(os.TempDir(), "benchgate-worktrees")
	}
}

// Manager materializes revisions for one run.
//
// Thread Safety: Safe for concurrent use. Checkouts are serialized.
type Manager struct {
	cfg    Config
	runner process.Runner
	logger *slog.Logger

	dir        string
	gitDir     string
	restoreRef string

	mu      sync.Mutex
	current *WorkingTree
	head    string
	closed  bool
	watcher *headWatcher
}

// Open prepares the workspace of run runID.
//
// Description:
//
//	In worktree mode a detached worktree is added under WorktreeRoot. In
//	inplace mode the current branch (or commit) is remembered so Close can
//	restore it. When WatchHead is set an fsnotify watcher is started on the
//	workspace's git directory.
//
// Outputs:
//
//	*Manager - The manager. Caller must call Close.
//	error - A gate.CheckoutError if the workspace cannot be prepared.
func Open(ctx context.Context, cfg Config, runner process.Runner, runID string, logger *slog.Logger) (*Manager, error) {
	if cfg.RepoDir == "" {
		return nil, gate.CheckoutError("open workspace", errors.New("repository directory is required"))
	}
	if runner == nil {
		return nil, gate.CheckoutError("open workspace", errors.New("runner must not be nil"))
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "checkout"))
	if runID != "" {
		logger = logger.With(slog.String("run_id", runID))
	}
	m := &Manager{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		dir:    cfg.RepoDir,
	}

	switch cfg.Mode {
	case ModeWorktree:
		if err := os.MkdirAll(cfg.WorktreeRoot, 0o750); err != nil {
			return nil, gate.CheckoutError("open workspace", fmt.Errorf("create worktree root: %w", err))
		}
		m.dir = filepath.Join(cfg.WorktreeRoot, worktreeName(runID))
		if _, err := m.git(ctx, cfg.RepoDir, "worktree", "add", "--detach", m.dir, "HEAD"); err != nil {
			return nil, gate.CheckoutError("add worktree "+m.dir, err)
		}
	case ModeInPlace:
		ref, err := m.git(ctx, m.dir, "symbolic-ref", "--quiet", "--short", "HEAD")
		if err != nil {
			// Detached HEAD: remember the commit instead.
			ref, err = m.git(ctx, m.dir, "rev-parse", "HEAD")
			if err != nil {
				return nil, gate.CheckoutError("read current HEAD", err)
			}
		}
		m.restoreRef = ref
	default:
		return nil, gate.CheckoutError("open workspace", fmt.Errorf("unknown workspace mode %q", cfg.Mode))
	}

	gitDir, err := m.git(ctx, m.dir, "rev-parse", "--absolute-git-dir")
	if err != nil {
		m.removeWorktree(ctx)
		return nil, gate.CheckoutError("locate git dir", err)
	}
	m.gitDir = gitDir

	if cfg.WatchHead {
		w, err := startHeadWatcher(gitDir, m.onHeadChange, m.logger)
		if err != nil {
			// Verify still catches drift, so a missing watcher is not fatal.
			m.logger.Warn("HEAD watcher unavailable", slog.String("error", err.Error()))
		} else {
			m.watcher = w
		}
	}

	m.logger.Debug("workspace ready",
		slog.String("mode", string(cfg.Mode)),
		slog.String("dir", m.dir),
	)
	return m, nil
}

// Dir returns the directory revisions are materialized in.
func (m *Manager) Dir() string {
	return m.dir
}

// Resolve turns ref into an immutable Revision.
//
// A ref that does not exist, or a "<ref>^" whose commit has no parent, is a
// gate.CheckoutError wrapping ErrUnresolvable.
func (m *Manager) Resolve(ctx context.Context, ref string) (gate.Revision, error) {
	op := "resolve " + ref
	if strings.TrimSpace(ref) == "" {
		return gate.Revision{}, gate.CheckoutError(op, fmt.Errorf("%w: empty ref", ErrUnresolvable))
	}
	if strings.HasPrefix(ref, "-") {
		return gate.Revision{}, gate.CheckoutError(op, fmt.Errorf("%w: %q looks like an option", ErrUnresolvable, ref))
	}

	commit, err := m.git(ctx, m.dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) {
			return gate.Revision{}, gate.CheckoutError(op, fmt.Errorf("%w: %s", ErrUnresolvable, ref))
		}
		return gate.Revision{}, gate.CheckoutError(op, err)
	}
	if !isCommitHash(commit) {
		return gate.Revision{}, gate.CheckoutError(op, fmt.Errorf("%w: unexpected rev-parse output %q", ErrUnresolvable, commit))
	}
	return gate.Revision{Ref: ref, Commit: commit}, nil
}

// Checkout materializes rev and returns a handle to it.
//
// Description:
//
//	If rev is already materialized by an outstanding tree, that same tree is
//	returned and nothing runs. If HEAD is already at rev (and verified) a new
//	handle is issued without touching the directory. Otherwise Checkout waits
//	for the outstanding tree to be released, refuses a dirty tree unless
//	Force is set, and runs "git checkout --detach".
//
// Outputs:
//
//	*WorkingTree - The handle. Caller must Release it.
//	error - A gate.CheckoutError, or ctx.Err() wrapped in one while waiting.
func (m *Manager) Checkout(ctx context.Context, rev gate.Revision) (*WorkingTree, error) {
	return m.checkout(ctx, rev, true)
}

// checkout implements Checkout. When share is false an outstanding tree of
// the same commit is waited for like any other, so every caller gets a
// handle of its own.
func (m *Manager) checkout(ctx context.Context, rev gate.Revision, share bool) (*WorkingTree, error) {
	op := "checkout " + rev.String()
	if rev.IsZero() {
		return nil, gate.CheckoutError(op, errors.New("revision is not resolved"))
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, gate.CheckoutError(op, ErrClosed)
		}
		cur := m.current
		if cur == nil || cur.isReleased() {
			break
		}
		if share && cur.rev.Commit == rev.Commit && cur.Err() == nil {
			m.mu.Unlock()
			recordCheckout(ctx, "reused", 0)
			return cur, nil
		}
		wait := cur.released
		m.mu.Unlock()

		m.logger.Debug("waiting for working tree release",
			slog.String("outstanding", cur.rev.String()),
			slog.String("requested", rev.String()),
		)
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, gate.CheckoutError(op, ctx.Err())
		}
	}
	defer m.mu.Unlock()

	start := time.Now()
	ctx, span := startCheckoutSpan(ctx, rev.Ref, rev.Commit, m.dir)
	defer span.End()

	outcome, err := m.materialize(ctx, rev)
	recordCheckout(ctx, outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, gate.CheckoutError(op, err)
	}
	span.SetAttributes(attribute.String("checkout.outcome", outcome))

	m.head = rev.Commit
	m.current = &WorkingTree{
		m:        m,
		rev:      rev,
		dir:      m.dir,
		released: make(chan struct{}),
	}
	m.logger.Info("revision checked out",
		slog.String("revision", rev.String()),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	)
	return m.current, nil
}

// materialize puts HEAD at rev. Caller holds m.mu.
func (m *Manager) materialize(ctx context.Context, rev gate.Revision) (string, error) {
	if m.head == rev.Commit {
		head, err := m.git(ctx, m.dir, "rev-parse", "HEAD")
		if err == nil && head == rev.Commit {
			return "reused", nil
		}
	}

	if !m.cfg.Force {
		status, err := m.git(ctx, m.dir, "status", "--porcelain", "--untracked-files=no")
		if err != nil {
			return "error", fmt.Errorf("git status: %w", err)
		}
		if status != "" {
			return "error", fmt.Errorf("%w in %s", ErrDirty, m.dir)
		}
	}

	args := []string{"checkout", "--quiet", "--detach"}
	if m.cfg.Force {
		args = append(args, "--force")
	}
	args = append(args, rev.Commit)
	if _, err := m.git(ctx, m.dir, args...); err != nil {
		return "error", err
	}

	head, err := m.git(ctx, m.dir, "rev-parse", "HEAD")
	if err != nil {
		return "error", err
	}
	if head != rev.Commit {
		return "error", fmt.Errorf("%w: HEAD is %s after checkout of %s", ErrDrift, head, rev.Commit)
	}
	return "checked_out", nil
}

// onHeadChange is called by the watcher when the HEAD file changes.
func (m *Manager) onHeadChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current
	if m.closed || cur == nil || cur.isReleased() {
		return
	}
	data, err := os.ReadFile(filepath.Join(m.gitDir, "HEAD"))
	if err != nil {
		// HEAD is briefly missing while git renames HEAD.lock into place.
		return
	}
	if strings.TrimSpace(string(data)) == cur.rev.Commit {
		return
	}
	if cur.drifted.CompareAndSwap(false, true) {
		recordDrift(context.Background())
		m.logger.Warn("HEAD changed externally, working tree invalidated",
			slog.String("expected", cur.rev.Commit),
			slog.String("head", strings.TrimSpace(string(data))),
		)
	}
}

// Close releases the outstanding tree and tears the workspace down.
//
// In inplace mode the ref that was checked out at Open is restored; in
// worktree mode the worktree is removed. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	moved := m.head != ""
	m.mu.Unlock()

	if cur != nil {
		cur.Release()
	}
	if m.watcher != nil {
		m.watcher.stop()
	}

	switch m.cfg.Mode {
	case ModeWorktree:
		return m.removeWorktree(ctx)
	default:
		if !moved || m.restoreRef == "" {
			return nil
		}
		if _, err := m.git(ctx, m.dir, "checkout", "--quiet", m.restoreRef); err != nil {
			return gate.CheckoutError("restore "+m.restoreRef, err)
		}
		return nil
	}
}

func (m *Manager) removeWorktree(ctx context.Context) error {
	if m.cfg.Mode != ModeWorktree {
		return nil
	}
	if _, err := m.git(ctx, m.cfg.RepoDir, "worktree", "remove", "--force", m.dir); err != nil {
		return gate.CheckoutError("remove worktree "+m.dir, err)
	}
	return nil
}

// git runs a git subcommand in dir and returns trimmed stdout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := m.runner.Run(ctx, process.Command{
		Name:    m.cfg.GitBinary,
		Args:    args,
		Dir:     dir,
		Timeout: m.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// worktreeName turns a run id into a safe directory name.
func worktreeName(runID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, runID)
	if name == "" || name == "." || name == ".." {
		name = "run"
	}
	return name
}

// isCommitHash accepts SHA-1 and SHA-256 object names.
func isCommitHash(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
