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
Package pipeline sequences one gate run.

	Init -> Provisioned -> BaseCheckedOut -> BaselineSaved
	     -> HeadCheckedOut -> HeadSaved -> Done

Cancelled and Failed are reachable from every non-terminal state and are,
with Done, absorbing.

Phases run strictly one after another because base and head share one
working environment. The run token from the concurrency controller is
checked before and after every external call. When it has been cancelled
the result of the call is discarded, the snapshots of the run's scope are
deleted and the run ends in Cancelled. Any component error, including an
external timeout, ends the run in Failed.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/bench"
	"github.com/AleutianAI/benchgate/services/gate/cancel"
	"github.com/AleutianAI/benchgate/services/gate/compare"
	"github.com/AleutianAI/benchgate/services/gate/provision"
	"github.com/AleutianAI/benchgate/services/gate/snapshot"
)

var tracer = otel.Tracer("benchgate.pipeline")

// Exit codes of a finished run.
const (
	ExitPass         = 0
	ExitFailed       = 1
	ExitRegressed    = 2
	ExitInconclusive = 3
	ExitPreempted    = 4
)

// Benchmarker runs the harness and publishes a snapshot. *bench.Runner
// implements it.
type Benchmarker interface {
	Run(ctx context.Context, tree bench.Tree, scope gate.Scope, name string, opts ...bench.RunOption) (*snapshot.Snapshot, error)
}

// Comparer compares two snapshots of a scope. *compare.Comparator
// implements it.
type Comparer interface {
	Compare(ctx context.Context, scope gate.Scope, baselineName, currentName string) (*compare.Report, error)
}

// Config holds the run settings.
type Config struct {
	// DefaultBranch is the baseline of triggers without a base ref.
	DefaultBranch string `yaml:"default_branch" validate:"required"`

	// Toolchain is passed to the provisioner.
	Toolchain string `yaml:"toolchain" validate:"required"`
}

// Deps are the collaborators of a Pipeline. All are required.
type Deps struct {
	Controller  *cancel.Controller
	Provisioner provision.Provisioner
	Workspaces  WorkspaceFactory
	Bench       Benchmarker
	Comparer    Comparer
	Store       snapshot.Store
}

// Pipeline executes gate runs.
//
// Thread Safety: Safe for concurrent use. Runs with different trigger keys
// execute in parallel.
type Pipeline struct {
	cfg       Config
	deps      Deps
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver adds an observer that sees the transitions of every run.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Controller == nil:
		return nil, errors.New("controller is required")
	case deps.Provisioner == nil:
		return nil, errors.New("provisioner is required")
	case deps.Workspaces == nil:
		return nil, errors.New("workspace factory is required")
	case deps.Bench == nil:
		return nil, errors.New("benchmark runner is required")
	case deps.Comparer == nil:
		return nil, errors.New("comparer is required")
	case deps.Store == nil:
		return nil, errors.New("snapshot store is required")
	}
	if cfg.DefaultBranch == "" {
		return nil, errors.New("default branch is required")
	}
	if cfg.Toolchain == "" {
		return nil, errors.New("toolchain is required")
	}

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Result is the outcome of a finished run.
type Result struct {
	RunID        string          `json:"run_id"`
	Trigger      gate.Trigger    `json:"trigger"`
	Key          gate.TriggerKey `json:"key"`
	Scope        gate.Scope      `json:"scope"`
	State        State           `json:"state"`
	BaseRevision gate.Revision   `json:"base_revision"`
	HeadRevision gate.Revision   `json:"head_revision"`

	// Report is set only when State is Done.
	Report *compare.Report `json:"report,omitempty"`

	// Err is the failure (State Failed) or the cancel cause (State
	// Cancelled).
	Err error `json:"-"`

	// Error is Err as text, for JSON consumers.
	Error string `json:"error,omitempty"`

	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Preempted reports whether the run was cancelled by a newer run.
func (r *Result) Preempted() bool {
	return r.State == StateCancelled && errors.Is(r.Err, gate.ErrPreempted)
}

// ExitCode maps the result to a process exit code. Only a Done run with a
// Pass verdict exits 0. A run cancelled for any reason other than
// preemption, such as shutdown, did not produce a verdict and counts as
// failed.
func (r *Result) ExitCode() int {
	switch r.State {
	case StateDone:
		if r.Report == nil {
			return ExitFailed
		}
		switch r.Report.Verdict {
		case compare.VerdictPass:
			return ExitPass
		case compare.VerdictRegressed:
			return ExitRegressed
		default:
			return ExitInconclusive
		}
	case StateCancelled:
		if r.Preempted() {
			return ExitPreempted
		}
		return ExitFailed
	default:
		return ExitFailed
	}
}

// Run is an admitted, executing run.
//
// Thread Safety: Safe for concurrent use.
type Run struct {
	id      string
	trigger gate.Trigger
	key     gate.TriggerKey
	scope   gate.Scope
	token   *cancel.RunToken

	mu          sync.Mutex
	state       State
	transitions []Transition
	observers   []Observer
	result      *Result
	done        chan struct{}

	now func() time.Time
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Trigger returns the trigger that started the run.
func (r *Run) Trigger() gate.Trigger { return r.trigger }

// Scope returns the snapshot scope of the run.
func (r *Run) Scope() gate.Scope { return r.scope }

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transitions returns a copy of the transitions so far.
func (r *Run) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}

// Done is closed when the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() *Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Result returns the result, or nil while the run is in progress.
func (r *Run) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// transition moves the run to "to" and notifies observers.
func (r *Run) transition(to State, cause error) error {
	r.mu.Lock()
	from := r.state
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	t := Transition{RunID: r.id, Key: r.key, From: from, To: to, At: r.now()}
	if to == StateFailed && cause != nil {
		t.Error = cause.Error()
	}
	r.state = to
	r.transitions = append(r.transitions, t)
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.OnTransition(t)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execute admits trig, runs it to a terminal state and returns the result.
//
// Outputs:
//
//	*Result - The outcome. Never nil when error is nil.
//	error - Non-nil only if the trigger is invalid or cannot be admitted.
func (p *Pipeline) Execute(ctx context.Context, trig gate.Trigger, observers ...Observer) (*Result, error) {
	run, err := p.Start(ctx, trig, observers...)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start admits trig and executes it in a new goroutine.
//
// Description:
//
//	Validates the trigger and admits it with the controller, preempting an
//	active run with the same key. ctx bounds every external call of the
//	run; cancelling it cancels the run.
//
// Outputs:
//
//	*Run - The admitted run. Use Wait or Done to observe completion.
//	error - Non-nil if the trigger is invalid or the controller is closed.
func (p *Pipeline) Start(ctx context.Context, trig gate.Trigger, observers ...Observer) (*Run, error) {
	if err := trig.Validate(); err != nil {
		return nil, err
	}
	key := trig.Key()
	token, err := p.deps.Controller.Admit(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("admit %s: %w", key, err)
	}

	run := &Run{
		id:        token.ID(),
		trigger:   trig,
		key:       key,
		scope:     gate.NewScope(key, token.ID()),
		token:     token,
		state:     StateInit,
		observers: append(append([]Observer(nil), p.observers...), observers...),
		done:      make(chan struct{}),
		now:       p.now,
	}
	go p.execute(ctx, run)
	return run, nil
}

// execute drives run to a terminal state.
func (p *Pipeline) execute(ctx context.Context, run *Run) {
	logger := p.logger.With(
		slog.String("run_id", run.id),
		slog.String("key", run.key.String()),
	)
	started := p.now()
	res := &Result{
		RunID:     run.id,
		Trigger:   run.trigger,
		Key:       run.key,
		Scope:     run.scope,
		StartedAt: started,
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run.id", run.id),
			attribute.String("run.workflow", run.key.Workflow),
			attribute.String("run.ref", run.key.Ref),
		),
	)

	logger.Info("run started",
		slog.String("head_ref", run.trigger.HeadRef),
		slog.Bool("scheduled_or_manual", run.trigger.ScheduledOrManual),
	)

	err := p.phases(ctx, run, res, logger)
	p.deps.Controller.Release(run.token)

	switch {
	case err == nil:
		_ = run.transition(StateDone, nil)
	case errors.Is(err, errCancelled):
		res.Err = run.token.Err()
		p.discard(ctx, run, logger)
		_ = run.transition(StateCancelled, nil)
	default:
		res.Err = err
		_ = run.transition(StateFailed, err)
	}

	res.State = run.State()
	res.Transitions = run.Transitions()
	res.FinishedAt = p.now()
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	span.SetAttributes(attribute.String("run.state", res.State.String()))
	switch res.State {
	case StateFailed:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		logger.Error("run failed",
			slog.String("kind", gate.KindOf(res.Err).String()),
			slog.String("error", res.Err.Error()),
		)
	case StateCancelled:
		// Not an error: the run was superseded or shut down.
		logger.Info("run cancelled", slog.String("cause", res.Error))
	default:
		logger.Info("run finished",
			slog.String("verdict", string(res.Report.Verdict)),
			slog.Duration("duration", res.FinishedAt.Sub(started)),
		)
	}
	span.End()

	run.mu.Lock()
	run.result = res
	run.mu.Unlock()
	close(run.done)
}

// errCancelled marks the point where the run noticed its token was cancelled.
var errCancelled = errors.New("run cancelled")

// executor holds the per-run context of the phases.
type executor struct {
	p   *Pipeline
	ctx context.Context
	run *Run
}

// live returns errCancelled once the run token is cancelled.
func (e *executor) live() error {
	if e.run.token.Err() != nil {
		return errCancelled
	}
	return nil
}

// step wraps one external call with a token check on both sides. A result
// that arrives after cancellation is discarded.
func (e *executor) step(name string, call func(ctx context.Context) error) error {
	if err := e.live(); err != nil {
		return err
	}
	ctx, span := tracer.Start(e.ctx, "pipeline."+name)
	callErr := call(ctx)
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	}
	span.End()

	if err := e.live(); err != nil {
		return err
	}
	return callErr
}

func (e *executor) advance(to State) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.run.transition(to, nil)
}

// phases runs everything up to the comparison. It returns nil on success,
// errCancelled when the token was cancelled, or the failing component error.
func (p *Pipeline) phases(ctx context.Context, run *Run, res *Result, logger *slog.Logger) error {
	e := &executor{p: p, ctx: ctx, run: run}

	err := e.step("provision", func(ctx context.Context) error {
		_, err := p.deps.Provisioner.Provision(ctx, p.cfg.Toolchain)
		return err
	})
	if err != nil {
		return err
	}
	if err := e.advance(StateProvisioned); err != nil {
		return err
	}

	var ws Workspace
	err = e.step("workspace", func(ctx context.Context) error {
		var err error
		ws, err = p.deps.Workspaces(ctx, run.id)
		return err
	})
	if ws != nil {
		defer func() {
			if cerr := ws.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("workspace cleanup failed", slog.String("error", cerr.Error()))
			}
		}()
	}
	if err != nil {
		return err
	}

	// Both revisions are resolved once, up front, and never again.
	baseRef := run.trigger.ResolveBaseRef(p.cfg.DefaultBranch)
	err = e.step("resolve", func(ctx context.Context) error {
		var err error
		if res.BaseRevision, err = ws.Resolve(ctx, baseRef); err != nil {
			return err
		}
		res.HeadRevision, err = ws.Resolve(ctx, run.trigger.HeadRef)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("revisions resolved",
		slog.String("base", res.BaseRevision.String()),
		slog.String("head", res.HeadRevision.String()),
	)

	if err := e.measure(ws, res.BaseRevision, gate.BaselineSnapshot, StateBaseCheckedOut, StateBaselineSaved); err != nil {
		return err
	}
	if err := e.measure(ws, res.HeadRevision, gate.HeadSnapshot, StateHeadCheckedOut, StateHeadSaved); err != nil {
		return err
	}

	var report *compare.Report
	err = e.step("compare", func(ctx context.Context) error {
		var err error
		report, err = p.deps.Comparer.Compare(ctx, run.scope, gate.BaselineSnapshot, gate.HeadSnapshot)
		return err
	})
	if err != nil {
		return err
	}
	res.Report = report
	return nil
}

// measure checks rev out, benchmarks it as name and releases the tree
// before returning, so the next checkout can proceed.
func (e *executor) measure(ws Workspace, rev gate.Revision, name string, checkedOut, saved State) error {
	var tree Tree
	err := e.step("checkout_"+name, func(ctx context.Context) error {
		var err error
		tree, err = ws.Checkout(ctx, rev)
		return err
	})
	if tree != nil {
		defer tree.Release()
	}
	if err != nil {
		return err
	}
	if err := e.advance(checkedOut); err != nil {
		return err
	}

	err = e.step("bench_"+name, func(ctx context.Context) error {
		_, err := e.p.deps.Bench.Run(ctx, tree, e.run.scope, name, bench.WithGuard(e.run.token.Err))
		return err
	})
	if err != nil {
		return err
	}
	return e.advance(saved)
}

// discard deletes the snapshots of a cancelled run so nothing it produced
// can be read by its successor.
func (p *Pipeline) discard(ctx context.Context, run *Run, logger *slog.Logger) {
	n, err := p.deps.Store.DeleteScope(context.WithoutCancel(ctx), run.scope)
	if err != nil {
		logger.Warn("failed to discard snapshots of cancelled run",
			slog.String("scope", string(run.scope)),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		logger.Debug("discarded snapshots of cancelled run",
			slog.String("scope", string(run.scope)),
			slog.Int("snapshots", n),
		)
	}
}
