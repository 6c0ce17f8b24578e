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
	"log/slog"
	"sync"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/process"
)

// Pool hands out the workspaces of concurrent runs.
//
// In worktree mode every Acquire opens a Manager with a worktree of its
// own. In inplace mode all runs share one Manager on RepoDir, which is
// opened by the first Acquire and closed (restoring the original ref) when
// the last Lease is closed.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	cfg    Config
	runner process.Runner
	logger *slog.Logger

	mu     sync.Mutex
	shared *Manager
	leases int
}

// NewPool creates a pool for cfg. Nothing is opened until Acquire.
func NewPool(cfg Config, runner process.Runner, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, runner: runner, logger: logger}
}

// Acquire returns the workspace of run runID. Caller must Close the Lease.
func (p *Pool) Acquire(ctx context.Context, runID string) (*Lease, error) {
	cfg := p.cfg
	cfg.applyDefaults()
	if cfg.Mode != ModeInPlace {
		m, err := Open(ctx, p.cfg, p.runner, runID, p.logger)
		if err != nil {
			return nil, err
		}
		return &Lease{m: m}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared == nil {
		m, err := Open(ctx, p.cfg, p.runner, "", p.logger)
		if err != nil {
			return nil, err
		}
		p.shared = m
	}
	p.leases++
	return &Lease{m: p.shared, pool: p}, nil
}

// Leases returns the number of open leases on the shared inplace Manager.
func (p *Pool) Leases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leases
}

// giveBack drops one lease on m and closes m after the last one. The pool
// lock is held across Close so a concurrent Acquire sees the restored ref.
func (p *Pool) giveBack(ctx context.Context, m *Manager) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared != m {
		return nil
	}
	p.leases--
	if p.leases > 0 {
		return nil
	}
	p.shared = nil
	return m.Close(ctx)
}

// Lease is one run's view of a workspace.
//
// Every WorkingTree a Lease returns belongs to that run alone: a checkout
// waits until trees held by other runs are released, even when they
// reflect the same commit.
type Lease struct {
	m    *Manager
	pool *Pool

	mu     sync.Mutex
	trees  []*WorkingTree
	closed bool
}

// Dir returns the directory revisions are materialized in.
func (l *Lease) Dir() string {
	return l.m.Dir()
}

// Resolve turns ref into an immutable Revision.
func (l *Lease) Resolve(ctx context.Context, ref string) (gate.Revision, error) {
	return l.m.Resolve(ctx, ref)
}

// Checkout materializes rev for this run. See Manager.Checkout.
func (l *Lease) Checkout(ctx context.Context, rev gate.Revision) (*WorkingTree, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, gate.CheckoutError("checkout "+rev.String(), ErrClosed)
	}

	t, err := l.m.checkout(ctx, rev, false)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		t.Release()
		return nil, gate.CheckoutError("checkout "+rev.String(), ErrClosed)
	}
	kept := l.trees[:0]
	for _, held := range l.trees {
		if !held.isReleased() {
			kept = append(kept, held)
		}
	}
	l.trees = append(kept, t)
	return t, nil
}

// Close releases the trees of this run and gives the workspace back. Safe
// to call more than once.
func (l *Lease) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	trees := l.trees
	l.trees = nil
	l.mu.Unlock()

	for _, t := range trees {
		t.Release()
	}
	if l.pool == nil {
		return l.m.Close(ctx)
	}
	return l.pool.giveBack(ctx, l.m)
}
