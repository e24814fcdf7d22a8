// Package copy implements the data-copy manager (C1) and the process-wide
// pointer registry (C2): reference-counted wrappers around user values that
// flow between task instances, with reader sharing, deferred writers, and
// iovec spans for bulk RDMA transfer.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package copy

import (
	"go.uber.org/atomic"

	"github.com/devreal/ttg/cmn"
)

// Iovec describes a contiguous byte range split out of a value's metadata
// for one-sided transfer (§6.1, §6.2 split-metadata protocol).
type Iovec struct {
	Ptr          []byte
	ReleaseToken uintptr
}

// Waiter is a deferred successor: a task blocked on gaining exclusive
// (writer) access to a copy currently being read. Implemented by
// task.Record. Kept as a narrow interface, not a pointer back into the task
// package, to break the two-cycle the Design Notes call out (copy.nextTask
// <-> task.copies) — the handle is weak and is cleared the moment it's
// granted.
type Waiter interface {
	// GrantWriter is called at most once, exactly when w becomes the sole
	// writer of c. Implementations bind c to their waiting input slot.
	GrantWriter(c *DataCopy)
}

type state uint8

const (
	stateFree state = iota
	stateReadShared
	stateWriter
)

// ErrNotCopyable is returned when a value must be duplicated (register
// policy below) but its type declared no copy constructor.
type ErrNotCopyable struct{ TypeName string }

func (e *ErrNotCopyable) Error() string { return "ttg/copy: value not copyable: " + e.TypeName }

// ErrMustDuplicate signals that the caller's requested sharing mode cannot
// be satisfied in place and a duplicate must be made instead. It is not a
// failure of DataCopy itself.
var ErrMustDuplicate = mustDuplicateErr{}

type mustDuplicateErr struct{}

func (mustDuplicateErr) Error() string { return "ttg/copy: must duplicate" }

// Destructor is invoked exactly once, when refcount reaches zero.
type Destructor func(value any)

// Duplicator performs a value-level copy (the user type's copy
// constructor). ok is false when the type is move-only.
type Duplicator func(value any) (dup any, ok bool)

// DataCopy owns exactly one value (§3). All state-transition methods here
// assume the caller already holds the owning task-instance-table bucket
// lock (§5 Locking discipline) — DataCopy itself carries no lock of its
// own, matching the design note that mutable-sentinel transitions happen
// under the bucket lock, not via lock-free acrobatics.
type DataCopy struct {
	Value any

	refcount  atomic.Int32
	st        state
	readers   int32  // valid when st == stateReadShared
	successor Waiter // valid when st == stateWriter; nil if no successor waits
	// deferWriter marks a writer that offered to step aside for a reader
	// rather than block it; see RegisterIncoming's policy table.
	deferWriter bool

	Iovecs []Iovec

	dup     Duplicator
	destroy Destructor
}

// New wraps value in a fresh DataCopy with refcount 1 held by the caller.
func New(value any, dup Duplicator, destroy Destructor) *DataCopy {
	dc := &DataCopy{Value: value, st: stateReadShared, readers: 1, dup: dup, destroy: destroy}
	dc.refcount.Store(1)
	return dc
}

// NewWriter wraps value already in the mutable (writer) state, e.g. for a
// freshly produced output that hasn't been shared with any reader yet.
func NewWriter(value any, dup Duplicator, destroy Destructor) *DataCopy {
	dc := &DataCopy{Value: value, st: stateWriter, dup: dup, destroy: destroy}
	dc.refcount.Store(1)
	return dc
}

// AddRef bumps the task-reference count (distinct from the reader count):
// called whenever another task record points its input slot at this copy.
func (c *DataCopy) AddRef() { c.refcount.Inc() }

// AcquireReader shares the copy for read. Fails if a writer currently holds
// it (§4.1: "fails if readers holds the mutable sentinel").
func (c *DataCopy) AcquireReader() error {
	if c.st == stateWriter {
		return ErrMustDuplicate
	}
	c.st = stateReadShared
	c.readers++
	return nil
}

// AcquireWriter attempts to take exclusive access for w. Per §4.1: only
// legal when exactly one reader holds the copy, nobody is already waiting,
// and the current holder didn't set deferWriter (which instead routes
// through RegisterIncoming's defer path).
func (c *DataCopy) AcquireWriter(w Waiter) error {
	if c.st != stateReadShared || c.readers != 1 || c.successor != nil || c.deferWriter {
		return ErrMustDuplicate
	}
	c.st = stateWriter
	c.readers = 0
	c.successor = w
	return nil
}

// SetDeferWriter marks the current writer as willing to step aside for an
// incoming reader rather than force that reader to duplicate (§4.1 table,
// row "mutable, no successor / readonly").
func (c *DataCopy) SetDeferWriter(v bool) { c.deferWriter = v }

// Release implements §4.1's release algorithm: drops this caller's reader
// or writer hold — handing exclusive access to a waiting successor once
// the last real reader lets go — and always drops the refcount share this
// call represents, destroying the value once every share is gone.
func (c *DataCopy) Release() {
	if c.st == stateWriter && c.successor == nil {
		c.readers = 0
	} else if c.readers > 0 {
		c.readers--
		if c.readers == 0 && c.successor != nil {
			next := c.successor
			c.successor = nil
			c.st = stateReadShared // the successor's own Acquire* call re-mutates it
			next.GrantWriter(c)
		}
	}
	c.dropRef()
}

// DropRef releases a bookkeeping share added via AddRef that was never
// registered as a reader or writer hold — e.g. an output terminal's own
// starting share once every fan-out destination has registered its own
// (§3 sendMany). Unlike Release, it never touches the reader/successor
// state machine.
func (c *DataCopy) DropRef() {
	c.dropRef()
}

func (c *DataCopy) dropRef() {
	if c.refcount.Dec() == 0 {
		if c.destroy != nil {
			c.destroy(c.Value)
		}
	}
}

// Duplicate performs a value-level copy via the user type's copy
// constructor (§4.1). Returns ErrNotCopyable for move-only types.
func (c *DataCopy) Duplicate(destroy Destructor) (*DataCopy, error) {
	if c.dup == nil {
		return nil, &ErrNotCopyable{TypeName: typeName(c.Value)}
	}
	v, ok := c.dup(c.Value)
	if !ok {
		return nil, &ErrNotCopyable{TypeName: typeName(c.Value)}
	}
	return New(v, c.dup, destroy), nil
}

// RegisterIncoming implements the fixed policy table in spec.md §4.1 for
// what happens when a task tries to bind this copy to a read-only or
// read-write input slot. It returns the copy to bind (c itself, or a fresh
// duplicate) or an error.
func (c *DataCopy) RegisterIncoming(w Waiter, readonly bool, destroy Destructor) (*DataCopy, error) {
	switch {
	case c.st == stateReadShared && readonly:
		// reader-share: increment readers, return same copy
		c.readers++
		return c, nil
	case c.st == stateReadShared && !readonly:
		if c.readers == 1 && c.successor == nil {
			c.st = stateWriter
			c.successor = w
			// readers stays at 1: it still represents the one real reader
			// currently holding c. That reader's own Release() below is
			// what drives readers to 0 and triggers the handoff — w is
			// only registered here, not handed the copy yet.
			return nil, nil
		}
		return c.Duplicate(destroy)
	case c.st == stateWriter && c.successor == nil && readonly:
		if c.deferWriter {
			// current writer offered to step aside: share in place
			c.st = stateReadShared
			c.readers = 1
			return c, nil
		}
		return c.Duplicate(destroy)
	case c.st == stateWriter && c.successor != nil && readonly:
		if c.deferWriter {
			c.readers++
			return c, nil
		}
		return c.Duplicate(destroy)
	case c.st == stateWriter && c.successor == nil && c.deferWriter && !readonly:
		// producer stepped aside and nobody holds it yet: the incoming
		// exclusive consumer takes the copy directly, no duplication.
		c.deferWriter = false
		return c, nil
	case c.st == stateWriter && !readonly:
		return c.Duplicate(destroy)
	default:
		cmn.Fatalf(cmn.ErrProgramming, "copy: unreachable registration state %v readonly=%v", c.st, readonly)
		return nil, ErrMustDuplicate
	}
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	type named interface{ TypeName() string }
	if n, ok := v.(named); ok {
		return n.TypeName()
	}
	return "unknown"
}
