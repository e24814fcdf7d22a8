// Package world implements the process/taskpool lifecycle (C8): world
// construction, the template registry and its delayed-unpack buffer for
// active messages that outrace local registration, and fence/finalize
// termination detection.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package world

import (
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/engine"
	"github.com/devreal/ttg/transport"
	"github.com/devreal/ttg/wire"
)

// TemplateHandle is what a template task (ttg.TemplateTask) presents to its
// World: an id to register under and a Dispatcher to receive its messages,
// including ones that arrived and were buffered before registration.
type TemplateHandle interface {
	transport.Dispatcher
	TemplateID() uint64
}

// World is one process's runtime state: its rank, its comm engine and
// messenger, its live template registry, and the bookkeeping needed to
// detect that every task reachable from the local process has quiesced
// across the whole cluster.
type World struct {
	id         string
	taskpoolID uint32

	eng     engine.Engine
	msgr    *transport.Messenger
	wireReg *wire.Registry
	copyReg *copy.Registry
	pool    *WorkerPool

	tmplMu    sync.RWMutex
	templates map[uint64]TemplateHandle

	delayMu sync.Mutex
	delayed map[uint64][]*transport.Inbound
	sf      singleflight.Group

	outstanding atomic.Int64

	fenceMu sync.Mutex
	pending map[uint64]chan int64
	round   atomic.Uint64

	triggerMode bool
	triggerOnce sync.Once
	userDone    chan struct{}

	closed atomic.Bool
}

// New initializes a World over eng (§8 `initialize`). Call Finalize once
// the process is tearing down.
func New(eng engine.Engine) *World {
	cfg := cmn.GCO.Get()
	id := shortid.MustGenerate()
	w := &World{
		id:         id,
		taskpoolID: uint32(xxhash.ChecksumString64(id)),
		eng:        eng,
		wireReg:    wire.NewRegistry(wire.DefaultDescriptor{}),
		copyReg:    copy.NewRegistry(),
		templates:  make(map[uint64]TemplateHandle),
		delayed:    make(map[uint64][]*transport.Inbound),
		pending:    make(map[uint64]chan int64),
	}
	w.pool = NewWorkerPool(cfg.NumWorkers)
	w.msgr = transport.NewMessenger(eng, w)
	w.msgr.SetFenceHandler(w)
	cmn.Infof("world: initialized rank=%d size=%d taskpool=%d", eng.Rank(), eng.Size(), w.taskpoolID)
	return w
}

func (w *World) Rank() int               { return w.eng.Rank() }
func (w *World) Size() int               { return w.eng.Size() }
func (w *World) TaskpoolID() uint32      { return w.taskpoolID }
func (w *World) Messenger() *transport.Messenger { return w.msgr }
func (w *World) WireRegistry() *wire.Registry    { return w.wireReg }
func (w *World) CopyRegistry() *copy.Registry    { return w.copyReg }
func (w *World) Pool() *WorkerPool               { return w.pool }

// RegisterTemplate installs h in the registry and replays any messages that
// arrived for h.TemplateID() before this call (§6.1 delayed-unpack map).
func (w *World) RegisterTemplate(h TemplateHandle) {
	w.tmplMu.Lock()
	w.templates[h.TemplateID()] = h
	w.tmplMu.Unlock()
	w.replayBuffered(h)
}

func (w *World) DeregisterTemplate(id uint64) {
	w.tmplMu.Lock()
	delete(w.templates, id)
	w.tmplMu.Unlock()
}

// Lookup and Buffer implement transport.TemplateSource.
func (w *World) Lookup(templateID uint64) (transport.Dispatcher, bool) {
	w.tmplMu.RLock()
	h, ok := w.templates[templateID]
	w.tmplMu.RUnlock()
	if !ok {
		return nil, false
	}
	return h, true
}

func (w *World) Buffer(templateID uint64, in *transport.Inbound) {
	w.delayMu.Lock()
	w.delayed[templateID] = append(w.delayed[templateID], in)
	w.delayMu.Unlock()
}

// delayedCount returns the total number of active messages currently held
// in the delayed-unpack map, across every template id.
func (w *World) delayedCount() int {
	w.delayMu.Lock()
	defer w.delayMu.Unlock()
	n := 0
	for _, msgs := range w.delayed {
		n += len(msgs)
	}
	return n
}

// replayBuffered collapses concurrent registration attempts for the same
// template id (e.g. racing constructors on two goroutines) into a single
// replay pass via singleflight, the way a cache stampede guard collapses
// concurrent misses for the same key.
func (w *World) replayBuffered(h TemplateHandle) {
	key := fmt.Sprintf("%d", h.TemplateID())
	_, _, _ = w.sf.Do(key, func() (any, error) {
		w.delayMu.Lock()
		buffered := w.delayed[h.TemplateID()]
		delete(w.delayed, h.TemplateID())
		w.delayMu.Unlock()
		for _, in := range buffered {
			h.Deliver(in)
		}
		return nil, nil
	})
}

// TrackTaskStart/TrackTaskDone maintain the local outstanding-task count
// the dynamic termination detector gossips (§C8).
func (w *World) TrackTaskStart() { w.outstanding.Inc() }
func (w *World) TrackTaskDone()  { w.outstanding.Dec() }

// EnableUserTrigger switches termination detection from the dynamic gossip
// protocol to an explicit completion signal the application fires itself
// (Design Notes: user-trigger mode for graphs whose structure defeats
// counting, e.g. externally-driven pull-only consumers).
func (w *World) EnableUserTrigger() {
	w.triggerMode = true
	w.userDone = make(chan struct{})
}

func (w *World) TriggerComplete() {
	if w.triggerMode {
		w.triggerOnce.Do(func() { close(w.userDone) })
	}
}

// Finalize tears down the messenger, worker pool, and comm engine (§8
// `finalize`). Safe to call once.
func (w *World) Finalize() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.pool.Close()
	return w.msgr.Close()
}
