// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Conventional snapshot names used by a gate run.
const (
	BaselineSnapshot = "base"
	HeadSnapshot     = "head"
)

// -----------------------------------------------------------------------------
// Trigger
// -----------------------------------------------------------------------------

// TriggerKey identifies a logical run for de-duplication.
//
// Two triggers with equal keys compete: admitting the second one preempts the
// first. Keys are never persisted beyond the lifetime of a run.
type TriggerKey struct {
	// Workflow is the name of the workflow that fired the trigger.
	Workflow string `json:"workflow"`

	// Ref is the head ref for push and pull request triggers, or the run id
	// for scheduled and manual triggers.
	Ref string `json:"ref"`
}

// String returns "workflow/ref".
func (k TriggerKey) String() string {
	return k.Workflow + "/" + k.Ref
}

// Trigger is the input of a gate run, as received from the event source.
type Trigger struct {
	// WorkflowName is the name of the triggering workflow.
	WorkflowName string `json:"workflow_name" yaml:"workflow_name" validate:"required,max=256"`

	// HeadRef is the proposed revision.
	HeadRef string `json:"head_ref" yaml:"head_ref" validate:"required,max=1024"`

	// BaseRef is the baseline revision. Empty means "use the default".
	BaseRef string `json:"base_ref,omitempty" yaml:"base_ref,omitempty" validate:"max=1024"`

	// RunID identifies this particular invocation. Required for scheduled
	// and manual triggers, where it becomes part of the TriggerKey.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty" validate:"required_if=ScheduledOrManual true,max=256"`

	// ScheduledOrManual is true for cron and manually dispatched runs.
	ScheduledOrManual bool `json:"scheduled_or_manual" yaml:"scheduled_or_manual"`
}

var (
	triggerValidate     *validator.Validate
	triggerValidateOnce sync.Once
)

// Validate checks the trigger fields.
func (t Trigger) Validate() error {
	triggerValidateOnce.Do(func() {
		triggerValidate = validator.New()
	})
	if err := triggerValidate.Struct(t); err != nil {
		return fmt.Errorf("invalid trigger: %w", err)
	}
	if strings.ContainsAny(t.WorkflowName, "/\x00") {
		return fmt.Errorf("invalid trigger: workflow name %q must not contain '/'", t.WorkflowName)
	}
	return nil
}

// Key derives the TriggerKey of the trigger.
//
// Push and pull request runs of the same ref supersede each other.
// Scheduled and manual runs are keyed by their run id so they never do.
func (t Trigger) Key() TriggerKey {
	ref := t.HeadRef
	if t.ScheduledOrManual {
		ref = t.RunID
	}
	return TriggerKey{Workflow: t.WorkflowName, Ref: ref}
}

// ResolveBaseRef returns the ref to use as the baseline.
//
// An explicit BaseRef always wins. Scheduled and manual runs have no pull
// request base, so they compare against the previous revision of head.
// Everything else compares against the default branch.
func (t Trigger) ResolveBaseRef(defaultBranch string) string {
	if t.BaseRef != "" {
		return t.BaseRef
	}
	if t.ScheduledOrManual {
		return t.HeadRef + "^"
	}
	return defaultBranch
}

// -----------------------------------------------------------------------------
// Revision & Scope
// -----------------------------------------------------------------------------

// Revision is an immutable, resolved source revision.
type Revision struct {
	// Ref is what the user asked for (branch, tag, "HEAD^", sha).
	Ref string `json:"ref"`

	// Commit is the full commit hash Ref resolved to.
	Commit string `json:"commit"`
}

// Short returns the abbreviated commit hash.
func (r Revision) Short() string {
	if len(r.Commit) > 11 {
		return r.Commit[:11]
	}
	return r.Commit
}

// String returns "ref@short".
func (r Revision) String() string {
	return r.Ref + "@" + r.Short()
}

// IsZero reports whether the revision is unresolved.
func (r Revision) IsZero() bool {
	return r.Commit == ""
}

// Scope namespaces the snapshots of a single run.
//
// The run id is part of the scope so a preempted run and its successor never
// address the same snapshot.
type Scope string

// NewScope returns the scope of run runID admitted under key.
func NewScope(key TriggerKey, runID string) Scope {
	return Scope(sanitizeSegment(key.Workflow) + "/" + sanitizeSegment(key.Ref) + "/" + runID)
}

// ParseScope validates a scope given on the command line.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("scope %q: want workflow/ref/run", s)
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("scope %q: empty segment", s)
		}
	}
	return Scope(s), nil
}

// sanitizeSegment makes a ref usable as a single path segment.
func sanitizeSegment(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(s)
}
