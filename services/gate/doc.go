// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate holds the types shared by every stage of the benchmark
// regression gate.
//
// # Overview
//
// A gate run compares two revisions of a repository. It captures a baseline
// snapshot of instrumented benchmark measurements at the base revision, a
// second snapshot at the head revision, and compares the two:
//
//	admit -> provision -> checkout(base) -> bench("base")
//	      -> checkout(head) -> bench("head") -> compare("base", "head")
//
// The stages live in sub-packages:
//
//   - cancel: admits runs and preempts older runs of the same TriggerKey
//   - provision: prepares the toolchain before anything is checked out
//   - checkout: materializes a Revision in the working environment
//   - bench: runs the harness and publishes a Snapshot
//   - snapshot: stores snapshots with atomic replace semantics
//   - compare: turns two snapshots into a Report with a Verdict
//   - pipeline: the per-run state machine tying the stages together
//
// # Errors
//
// Every stage reports failures as *Error carrying a Kind. Preemption is not a
// failure and is reported through ErrPreempted.
package gate
