// Package task implements the per-instance task record (C3) and the
// concurrent task-instance table (C4): a per-template hash map from key to
// task record, with per-bucket locks.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package task

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/devreal/ttg/copy"
)

// StreamState tracks a streaming input's fold progress (§3, §4.4).
type StreamState struct {
	SizeSeen  uint64
	Goal      uint64 // valid only once Finalized; 0 with Finalized == false means dynamic/not yet known
	Finalized bool
}

// Record is one live instance of a template task: the runtime object for a
// single (template, key) pair while its inputs are being gathered.
//
// Pooled via sync.Pool the way cluster/lom.go pools LOM — AllocLOM/FreeLOM
// become allocRecord/freeRecord below.
type Record struct {
	Key any

	InCopies []*copy.DataCopy
	Stream   []StreamState

	// Agg and AggDone back the aggregator input kind (5th kind, SPEC_FULL
	// §5.1): an unbounded per-key collection finalized by an explicit call
	// rather than a declared goal, unlike Stream.
	Agg     [][]*copy.DataCopy
	AggDone []bool

	DepCount       atomic.Int32
	N              int // total declared input count
	RemoveFromHash bool
	Priority       int64
	DeferWriter    bool

	// CoroutineState holds an opaque device-coroutine state machine (C9),
	// nil for ordinary host tasks and once the task has completed.
	CoroutineState any

	// Owner is opaque to this package (it's the *ttg.TemplateTask that
	// created this record); stored so a caller draining a ReleaseRing can
	// hand each record back to its own template without the table needing
	// to import ttg.
	Owner any

	keyStr string // cache of the table's string form of Key, for delete
}

// SlotWaiter adapts a (record, input slot) pair into a copy.Waiter,
// breaking the task<->copy import cycle the Design Notes call out for
// next_task/copies: copy.DataCopy holds only this narrow interface, never
// a *Record.
type SlotWaiter struct {
	Rec     *Record
	Slot    int
	OnGrant func(rec *Record, slot int, c *copy.DataCopy)
}

func (w *SlotWaiter) GrantWriter(c *copy.DataCopy) { w.OnGrant(w.Rec, w.Slot, c) }

var recordPool sync.Pool

func allocRecord(n int) *Record {
	if v := recordPool.Get(); v != nil {
		r := v.(*Record)
		if cap(r.InCopies) >= n {
			r.InCopies = r.InCopies[:n]
			r.Stream = r.Stream[:n]
			r.Agg = r.Agg[:n]
			r.AggDone = r.AggDone[:n]
			for i := range r.InCopies {
				r.InCopies[i] = nil
				r.Stream[i] = StreamState{}
				r.Agg[i] = nil
				r.AggDone[i] = false
			}
			r.DepCount.Store(0)
			r.N = n
			r.RemoveFromHash = false
			r.Priority = 0
			r.DeferWriter = false
			r.CoroutineState = nil
			r.Owner = nil
			return r
		}
	}
	return &Record{
		InCopies: make([]*copy.DataCopy, n), Stream: make([]StreamState, n),
		Agg: make([][]*copy.DataCopy, n), AggDone: make([]bool, n), N: n,
	}
}

func freeRecord(r *Record) {
	r.Key = nil
	r.keyStr = ""
	recordPool.Put(r)
}
