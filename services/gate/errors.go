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
	"errors"
	"fmt"
)

// ErrPreempted is the cancellation cause of a run superseded by a newer run
// with the same TriggerKey. It is not a failure.
var ErrPreempted = errors.New("run preempted by a newer run")

// Kind classifies a gate failure by the stage that produced it.
type Kind int

const (
	// KindUnknown is an error that did not come from a gate stage.
	KindUnknown Kind = iota

	// KindProvision is a failure to prepare the toolchain.
	KindProvision

	// KindCheckout is a failure to resolve or materialize a revision.
	KindCheckout

	// KindBenchmark is a failed, crashed or unreadable harness run.
	KindBenchmark

	// KindComparison is a failure to compare two snapshots.
	KindComparison
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindProvision:
		return "provision"
	case KindCheckout:
		return "checkout"
	case KindBenchmark:
		return "benchmark"
	case KindComparison:
		return "comparison"
	default:
		return "unknown"
	}
}

// Error is a stage failure.
type Error struct {
	// Kind is the failing stage.
	Kind Kind

	// Op is the operation that failed, e.g. "checkout main@1a2b3c".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind with no Op and no Err, so that
// errors.Is(err, &gate.Error{Kind: gate.KindCheckout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// ProvisionError wraps err as a provisioning failure.
func ProvisionError(op string, err error) error {
	return &Error{Kind: KindProvision, Op: op, Err: err}
}

// CheckoutError wraps err as a checkout failure.
func CheckoutError(op string, err error) error {
	return &Error{Kind: KindCheckout, Op: op, Err: err}
}

// BenchmarkError wraps err as a benchmark failure.
func BenchmarkError(op string, err error) error {
	return &Error{Kind: KindBenchmark, Op: op, Err: err}
}

// ComparisonError wraps err as a comparison failure.
func ComparisonError(op string, err error) error {
	return &Error{Kind: KindComparison, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}
