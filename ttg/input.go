// Package ttg implements the template task (C5) and terminal/edge (C6)
// layer: the graph node that binds input terminals of five kinds (value,
// void, streaming, pull, aggregator) to a user function, and the output
// terminals that route set_arg calls to downstream instances, locally or
// across the cluster.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package ttg

import "github.com/pkg/errors"

// InputKind tags what an input slot expects and how readiness is judged.
type InputKind uint8

const (
	// InputValue is an ordinary single-value input: ready once set_arg has
	// bound exactly one value to the slot for this key.
	InputValue InputKind = iota
	// InputVoid carries no data, only a control-flow dependency: ready once
	// SetArgVoid has been called for this key, regardless of value.
	InputVoid
	// InputStreaming folds an unbounded sequence of values via Reducer
	// until SizeSeen reaches Goal (set by set_argstream_size or finalized
	// dynamically, §4.4).
	InputStreaming
	// InputPull is resolved from Pull on the owning rank rather than pushed:
	// when the record is created, or, with LazyPull, once every non-pull
	// input is bound (§5.3). Fetching from another rank is explicit, via
	// TemplateTask.RequestPull.
	InputPull
	// InputAggregator collects every value contributed for a key into a
	// slice, finalized by an explicit call rather than a declared count
	// (SPEC_FULL §5.1).
	InputAggregator
)

// ReducerFunc folds one streaming contribution into the running
// accumulator; acc is nil on the first call.
type ReducerFunc func(acc, val any) any

// KeyMapFunc maps a key to the rank that owns instances for it. Must be a
// pure function of key, and must agree across every rank in the cluster
// (§3 invariant).
type KeyMapFunc func(key any) int

// PrioMapFunc assigns a task instance's scheduling priority; higher fires
// first when multiple instances are released together.
type PrioMapFunc func(key any) int64

// PullFunc resolves a pull input's current value for key without it having
// been pushed via set_arg.
type PullFunc func(key any) (value any, ok bool)

// InputSpec declares one input terminal.
type InputSpec struct {
	Kind     InputKind
	ReadOnly bool

	Reducer    ReducerFunc // InputStreaming
	StaticGoal uint64      // InputStreaming; 0 means dynamic (awaits set_argstream_size/finalize)

	Pull     PullFunc // InputPull
	// LazyPull defers resolution of this pull input until every non-pull
	// input has been bound, instead of issuing it eagerly at record
	// creation (§4.3 step 3).
	LazyPull bool
}

// validateInputs rejects combinations the runtime doesn't support. A
// streaming input mixed with a pull input on the same template is rejected
// at construction (Open Question: streaming+pull combos are disallowed
// rather than given ad hoc combined semantics).
func validateInputs(inputs []InputSpec) error {
	hasStreaming, hasPull := false, false
	for _, in := range inputs {
		switch in.Kind {
		case InputStreaming:
			hasStreaming = true
			if in.Reducer == nil {
				return errors.New("ttg: streaming input declared without a Reducer")
			}
		case InputPull:
			hasPull = true
			if in.Pull == nil {
				return errors.New("ttg: pull input declared without a Pull function")
			}
		}
	}
	if hasStreaming && hasPull {
		return errors.New("ttg: a template cannot mix streaming and pull inputs")
	}
	return nil
}

func needsTable(inputs []InputSpec) bool {
	if len(inputs) != 1 {
		return true
	}
	switch inputs[0].Kind {
	case InputStreaming, InputPull, InputAggregator:
		return true
	default:
		return false // single value/void input: bypass the table (§4.2)
	}
}
