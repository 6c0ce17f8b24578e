// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

var phaseText = map[pipeline.State]string{
	pipeline.StateInit:           "Provisioning toolchain...",
	pipeline.StateProvisioned:    "Checking out baseline...",
	pipeline.StateBaseCheckedOut: "Benchmarking baseline...",
	pipeline.StateBaselineSaved:  "Checking out head...",
	pipeline.StateHeadCheckedOut: "Benchmarking head...",
	pipeline.StateHeadSaved:      "Comparing snapshots...",
}

// PhaseText describes the work that follows entering state s.
func PhaseText(s pipeline.State) string {
	return phaseText[s]
}

// RunProgress follows a run's transitions. On a terminal it drives a pterm
// spinner; otherwise it prints one line per transition.
//
// Thread Safety: Safe for concurrent use.
type RunProgress struct {
	w    io.Writer
	rich bool

	mu      sync.Mutex
	spinner *pterm.SpinnerPrinter
}

// NewRunProgress returns a progress observer writing to w.
func NewRunProgress(w io.Writer) *RunProgress {
	return &RunProgress{w: w, rich: IsTerminal(w)}
}

// Begin shows the first phase. Call before the run starts.
func (r *RunProgress) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rich {
		fmt.Fprintln(r.w, PhaseText(pipeline.StateInit))
		return
	}
	r.spinner, _ = pterm.DefaultSpinner.
		WithWriter(r.w).
		WithRemoveWhenDone(false).
		Start(PhaseText(pipeline.StateInit))
}

// OnTransition implements pipeline.Observer.
func (r *RunProgress) OnTransition(t pipeline.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rich {
		if t.To.IsTerminal() {
			fmt.Fprintf(r.w, "run %s: %s\n", t.RunID, t.To)
			return
		}
		fmt.Fprintln(r.w, PhaseText(t.To))
		return
	}
	if r.spinner == nil {
		return
	}
	switch t.To {
	case pipeline.StateDone:
		r.spinner.Success("Run complete")
	case pipeline.StateCancelled:
		r.spinner.Warning("Run cancelled")
	case pipeline.StateFailed:
		r.spinner.Fail("Run failed: " + t.Error)
	default:
		r.spinner.UpdateText(PhaseText(t.To))
		return
	}
	r.spinner = nil
}

// End stops the spinner if the run ended without a terminal transition.
func (r *RunProgress) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinner != nil {
		_ = r.spinner.Stop()
		r.spinner = nil
	}
}
