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
	"log/slog"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/checkout"
	"github.com/AleutianAI/benchgate/services/gate/process"
)

// Tree is a checked-out revision the harness can run in.
type Tree interface {
	bench.Tree
	Release()
}

// Workspace is the working environment of one run.
type Workspace interface {
	Resolve(ctx context.Context, ref string) (gate.Revision, error)
	Checkout(ctx context.Context, rev gate.Revision) (Tree, error)
	Close(ctx context.Context) error
}

// WorkspaceFactory opens the workspace of run runID.
type WorkspaceFactory func(ctx context.Context, runID string) (Workspace, error)

// CheckoutWorkspaces returns a factory backed by one checkout.Pool. In
// inplace mode every run of the factory shares the pool's Manager, so runs
// with different keys take turns in the repository directory.
func CheckoutWorkspaces(cfg checkout.Config, runner process.Runner, logger *slog.Logger) WorkspaceFactory {
	pool := checkout.NewPool(cfg, runner, logger)
	return func(ctx context.Context, runID string) (Workspace, error) {
		l, err := pool.Acquire(ctx, runID)
		if err != nil {
			return nil, err
		}
		return leaseWorkspace{l}, nil
	}
}

type leaseWorkspace struct {
	*checkout.Lease
}

func (w leaseWorkspace) Checkout(ctx context.Context, rev gate.Revision) (Tree, error) {
	t, err := w.Lease.Checkout(ctx, rev)
	if err != nil {
		return nil, err
	}
	return t, nil
}
