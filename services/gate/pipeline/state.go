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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/benchgate/services/gate"
)

// ErrIllegalTransition is returned for a transition the state machine forbids.
var ErrIllegalTransition = errors.New("illegal state transition")

// State is the phase a run is in.
type State int

const (
	StateInit State = iota
	StateProvisioned
	StateBaseCheckedOut
	StateBaselineSaved
	StateHeadCheckedOut
	StateHeadSaved
	StateDone
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateInit:           "init",
	StateProvisioned:    "provisioned",
	StateBaseCheckedOut: "base_checked_out",
	StateBaselineSaved:  "baseline_saved",
	StateHeadCheckedOut: "head_checked_out",
	StateHeadSaved:      "head_saved",
	StateDone:           "done",
	StateCancelled:      "cancelled",
	StateFailed:         "failed",
}

// String returns the string representation of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether from -> to is allowed: one step forward
// along the happy path, or to Cancelled or Failed from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	}
	return to == from+1 && to <= StateDone
}

// Transition is one state change of a run, as delivered to observers.
type Transition struct {
	RunID string          `json:"run_id"`
	Key   gate.TriggerKey `json:"key"`
	From  State           `json:"from"`
	To    State           `json:"to"`
	At    time.Time       `json:"at"`

	// Error is set on a transition to Failed.
	Error string `json:"error,omitempty"`
}

// Observer receives every transition of a run, in order, on the run's
// goroutine. Implementations must not block.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }
