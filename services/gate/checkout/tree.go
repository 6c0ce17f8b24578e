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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/benchgate/services/gate"
)

// WorkingTree is a handle on a materialized revision.
//
// The directory reflects Revision() until Release is called or HEAD drifts.
// Holders must call Release when done so the next checkout can proceed.
type WorkingTree struct {
	m   *Manager
	rev gate.Revision
	dir string

	released    chan struct{}
	releaseOnce sync.Once
	drifted     atomic.Bool
}

// Revision returns the revision the tree reflects.
func (t *WorkingTree) Revision() gate.Revision {
	return t.rev
}

// Dir returns the directory containing the tree.
func (t *WorkingTree) Dir() string {
	return t.dir
}

// Release gives up the handle. Safe to call more than once.
func (t *WorkingTree) Release() {
	t.releaseOnce.Do(func() {
		close(t.released)
	})
}

// Err reports whether the tree can still be used: ErrReleased after Release,
// ErrDrift after an external HEAD change, nil otherwise.
func (t *WorkingTree) Err() error {
	if t.isReleased() {
		return ErrReleased
	}
	if t.drifted.Load() {
		return ErrDrift
	}
	return nil
}

// Verify checks Err and then asks git where HEAD really is.
func (t *WorkingTree) Verify(ctx context.Context) error {
	if err := t.Err(); err != nil {
		return err
	}
	head, err := t.m.git(ctx, t.dir, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("verify %s: %w", t.rev, err)
	}
	if head != t.rev.Commit {
		if t.drifted.CompareAndSwap(false, true) {
			recordDrift(ctx)
		}
		return fmt.Errorf("%w: expected %s, HEAD is %s", ErrDrift, t.rev.Short(), head)
	}
	return nil
}

func (t *WorkingTree) isReleased() bool {
	select {
	case <-t.released:
		return true
	default:
		return false
	}
}
