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
Package snapshot stores named, immutable sets of benchmark measurements.

A Snapshot is produced by exactly one benchmark harness invocation and is
addressed by (scope, name). Writing a name that already exists replaces the
whole snapshot: readers observe either the old or the new content, never a
mix of both.

Three stores are provided:

	MemoryStore  - process local, used by one-shot CLI runs and tests
	BadgerStore  - embedded persistent store (BadgerDB)
	GCSStore     - shared store in a Google Cloud Storage bucket

All stores hand out clones, so callers may not mutate stored data.
*/
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/benchgate/services/gate"
)

// ErrNotFound is returned when no snapshot exists for (scope, name).
var ErrNotFound = errors.New("snapshot not found")

// Record is one benchmark measurement.
type Record struct {
	// ID identifies the benchmark, e.g. "BenchmarkParse/small".
	ID string `json:"id" validate:"required,max=512"`

	// Value is the instrumented measurement in the snapshot's Metric unit.
	Value float64 `json:"value"`
}

// Snapshot is an immutable collection of measurements for one revision.
type Snapshot struct {
	Scope     gate.Scope    `json:"scope" validate:"required"`
	Name      string        `json:"name" validate:"required,max=128,excludesall=/\\"`
	Revision  gate.Revision `json:"revision"`
	Metric    string        `json:"metric" validate:"required,max=64"`
	Records   []Record      `json:"records" validate:"dive"`
	CreatedAt time.Time     `json:"created_at"`
}

// Ref addresses a stored snapshot.
type Ref struct {
	Scope gate.Scope `json:"scope"`
	Name  string     `json:"name"`
}

// String returns "scope/name".
func (r Ref) String() string {
	return string(r.Scope) + "/" + r.Name
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks the snapshot before it is published.
//
// Description:
//
//	Rejects missing identity fields, duplicate benchmark ids and values that
//	are negative, NaN or infinite. A snapshot that fails Validate is never
//	written to a store.
func (s *Snapshot) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	seen := make(map[string]struct{}, len(s.Records))
	for _, r := range s.Records {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("invalid snapshot: duplicate benchmark id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value < 0 {
			return fmt.Errorf("invalid snapshot: benchmark %q has invalid value %v", r.ID, r.Value)
		}
	}
	return nil
}

// Ref returns the address of the snapshot.
func (s *Snapshot) Ref() Ref {
	return Ref{Scope: s.Scope, Name: s.Name}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Records = append([]Record(nil), s.Records...)
	return &c
}

// Values returns the measurements keyed by benchmark id.
func (s *Snapshot) Values() map[string]float64 {
	m := make(map[string]float64, len(s.Records))
	for _, r := range s.Records {
		m[r.ID] = r.Value
	}
	return m
}

// SortRecords orders records by id.
func (s *Snapshot) SortRecords() {
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].ID < s.Records[j].ID })
}

// Store persists snapshots.
//
// # Atomicity
//
// Put replaces any existing snapshot with the same Ref in one step.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put validates and stores a copy of s, replacing any previous content.
	Put(ctx context.Context, s *Snapshot) error

	// Get returns a copy of the snapshot or ErrNotFound.
	Get(ctx context.Context, scope gate.Scope, name string) (*Snapshot, error)

	// List returns the refs whose scope starts with prefix, sorted.
	// An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]Ref, error)

	// DeleteScope removes every snapshot of scope and returns how many
	// were removed.
	DeleteScope(ctx context.Context, scope gate.Scope) (int, error)

	// Close releases the store's resources.
	Close() error
}

// sortRefs orders refs by scope, then name.
func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Scope != refs[j].Scope {
			return refs[i].Scope < refs[j].Scope
		}
		return refs[i].Name < refs[j].Name
	})
}

// splitRef parses "scope/name" where scope itself contains slashes.
func splitRef(s string) (Ref, bool) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return Ref{}, false
	}
	return Ref{Scope: gate.Scope(s[:i]), Name: s[i+1:]}, true
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore keeps snapshots in process memory.
//
// Replacement swaps a pointer under the write lock, so a reader holding the
// previous snapshot keeps a consistent copy.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[Ref]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[Ref]*Snapshot)}
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c := s.Clone()

	m.mu.Lock()
	m.snaps[c.Ref()] = c
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, scope gate.Scope, name string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.snaps[Ref{Scope: scope, Name: name}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", scope, name, ErrNotFound)
	}
	return s.Clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	refs := make([]Ref, 0, len(m.snaps))
	for ref := range m.snaps {
		if strings.HasPrefix(string(ref.Scope), prefix) {
			refs = append(refs, ref)
		}
	}
	m.mu.RUnlock()
	sortRefs(refs)
	return refs, nil
}

// DeleteScope implements Store.
func (m *MemoryStore) DeleteScope(ctx context.Context, scope gate.Scope) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ref := range m.snaps {
		if ref.Scope == scope {
			delete(m.snaps, ref)
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
