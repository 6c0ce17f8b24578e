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
Package cancel implements the concurrency controller of the gate.

The controller keeps one mapping from TriggerKey to the active RunToken.
Admitting a run whose key already has an active token cancels that token
with cause gate.ErrPreempted and installs the new one, all under a single
lock, so two runs can never both believe they hold the same key. Runs with
different keys never interact.

Cancellation is cooperative. A preempted run observes it through its
token (Done, Err, Preempted) at its next check and stops itself; nothing is
killed from here.
*/
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/benchgate/services/gate"
)

// ErrControllerClosed is returned by Admit after Close, and is the cancel
// cause of runs still active at Close.
var ErrControllerClosed = errors.New("controller closed")

// RunToken represents an admitted run.
//
// Thread Safety: Safe for concurrent use.
type RunToken struct {
	id       string
	key      gate.TriggerKey
	ctx      context.Context
	cancel   context.CancelCauseFunc
	admitted time.Time
}

// ID returns the unique run id.
func (t *RunToken) ID() string { return t.id }

// Key returns the trigger key the run was admitted under.
func (t *RunToken) Key() gate.TriggerKey { return t.key }

// AdmittedAt returns when the run was admitted.
func (t *RunToken) AdmittedAt() time.Time { return t.admitted }

// Context returns a context cancelled when the run is preempted, the
// controller closes, or the parent context ends.
func (t *RunToken) Context() context.Context { return t.ctx }

// Done is closed when the run must stop.
func (t *RunToken) Done() <-chan struct{} { return t.ctx.Done() }

// Err returns nil while the run may proceed, otherwise the cancel cause
// (gate.ErrPreempted, ErrControllerClosed or the parent's error).
func (t *RunToken) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Preempted reports whether a newer run with the same key replaced this one.
func (t *RunToken) Preempted() bool {
	return errors.Is(t.Err(), gate.ErrPreempted)
}

// Controller admits runs and preempts superseded ones.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	active map[gate.TriggerKey]*RunToken
	closed bool

	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records admissions and preemptions in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController creates an empty controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		active: make(map[gate.TriggerKey]*RunToken),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit starts a run for key.
//
// Description:
//
//	Creates a token whose context derives from parent. If key already has
//	an active token it is cancelled with cause gate.ErrPreempted and
//	replaced. The check and the replacement happen under one lock.
//
// Outputs:
//
//	*RunToken - The new active token for key.
//	error - ErrControllerClosed after Close.
func (c *Controller) Admit(parent context.Context, key gate.TriggerKey) (*RunToken, error) {
	ctx, cancel := context.WithCancelCause(parent)
	t := &RunToken{
		id:     uuid.NewString(),
		key:    key,
		ctx:    ctx,
		cancel: cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel(ErrControllerClosed)
		return nil, ErrControllerClosed
	}
	t.admitted = c.now()
	prev, had := c.active[key]
	c.active[key] = t
	if had {
		prev.cancel(gate.ErrPreempted)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.AdmittedTotal.WithLabelValues(key.Workflow).Inc()
		if had {
			c.metrics.PreemptedTotal.WithLabelValues(key.Workflow).Inc()
		} else {
			c.metrics.ActiveRuns.Inc()
		}
	}

	if had {
		c.logger.Info("run preempted by newer run",
			slog.String("key", key.String()),
			slog.String("preempted_run", prev.id),
			slog.String("run_id", t.id),
		)
	} else {
		c.logger.Debug("run admitted",
			slog.String("key", key.String()),
			slog.String("run_id", t.id),
		)
	}
	return t, nil
}

// Release ends the run of t.
//
// The key mapping is removed only if t is still the active token for its
// key, so a preempted run releasing late never evicts its successor.
// Returns true if the mapping was removed. Safe to call more than once.
func (c *Controller) Release(t *RunToken) bool {
	if t == nil {
		return false
	}

	c.mu.Lock()
	removed := false
	if cur, ok := c.active[t.key]; ok && cur == t {
		delete(c.active, t.key)
		removed = true
	}
	c.mu.Unlock()

	t.cancel(context.Canceled)
	if removed && c.metrics != nil {
		c.metrics.ActiveRuns.Dec()
	}
	return removed
}

// Active returns the active token for key.
func (c *Controller) Active(key gate.TriggerKey) (*RunToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[key]
	return t, ok
}

// Len returns the number of keys with an active run.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close cancels every active run with ErrControllerClosed and rejects
// further admissions.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tokens := make([]*RunToken, 0, len(c.active))
	for _, t := range c.active {
		tokens = append(tokens, t)
	}
	c.active = make(map[gate.TriggerKey]*RunToken)
	c.mu.Unlock()

	for _, t := range tokens {
		t.cancel(ErrControllerClosed)
	}
	if c.metrics != nil {
		c.metrics.ActiveRuns.Set(0)
	}
	c.logger.Info("controller closed", slog.Int("cancelled_runs", len(tokens)))
}
