// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

// eventBuffer bounds the transitions queued for one subscriber. A run makes
// at most six transitions, so a subscriber never falls behind.
const eventBuffer = 16

// runEntry tracks one run started by the server.
type runEntry struct {
	run     *pipeline.Run
	hub     *hub
	created time.Time
}

// hub fans the transitions of one run out to websocket subscribers and
// keeps the history for late subscribers.
type hub struct {
	mu     sync.Mutex
	events []pipeline.Transition
	subs   map[chan pipeline.Transition]struct{}
	done   bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan pipeline.Transition]struct{})}
}

// OnTransition implements pipeline.Observer.
func (h *hub) OnTransition(t pipeline.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, t)
	for ch := range h.subs {
		select {
		case ch <- t:
		default:
		}
	}
	if t.To.IsTerminal() {
		h.done = true
		for ch := range h.subs {
			close(ch)
		}
		h.subs = nil
	}
}

// subscribe returns the transitions so far and a channel of the following
// ones. The channel is closed after the terminal transition. It is nil when
// the run has already finished.
func (h *hub) subscribe() ([]pipeline.Transition, <-chan pipeline.Transition, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	past := append([]pipeline.Transition(nil), h.events...)
	if h.done {
		return past, nil, func() {}
	}
	ch := make(chan pipeline.Transition, eventBuffer)
	h.subs[ch] = struct{}{}
	return past, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// registry holds the runs started by the server, newest last. Finished runs
// beyond the retention limit are forgotten oldest first.
type registry struct {
	mu        sync.RWMutex
	runs      map[string]*runEntry
	order     []string
	retention int
}

func newRegistry(retention int) *registry {
	return &registry{runs: make(map[string]*runEntry), retention: retention}
}

func (r *registry) add(e *runEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.run.ID()
	r.runs[id] = e
	r.order = append(r.order, id)
	r.prune()
}

// prune drops finished runs while over retention. Caller holds mu.
func (r *registry) prune() {
	if r.retention <= 0 {
		return
	}
	excess := len(r.order) - r.retention
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.runs[id].run.State().IsTerminal() {
			delete(r.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func (r *registry) get(id string) (*runEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	return e, ok
}

// list returns the entries newest first.
func (r *registry) list() []*runEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*runEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].created.After(out[j].created) })
	return out
}

// active returns the runs that have not finished.
func (r *registry) active() []*runEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*runEntry
	for _, id := range r.order {
		if e := r.runs[id]; !e.run.State().IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}
