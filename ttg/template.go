package ttg

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/task"
	"github.com/devreal/ttg/transport"
	"github.com/devreal/ttg/wire"
	"github.com/devreal/ttg/world"
)

// TaskFunc is the user body fired once every input slot of an instance is
// satisfied.
type TaskFunc func(tc *TaskContext)

// DecodeFunc reconstructs a value from its wire metadata plus any spans
// that travelled out of band as iovecs (§6.2 split-metadata protocol;
// iovecs is empty for ordinary in-band values).
type DecodeFunc func(meta []byte, iovecs [][]byte) (any, error)

// Config declares one template task (C5).
type Config struct {
	Name       string
	Inputs     []InputSpec
	NumOutputs int
	KeyMap     KeyMapFunc
	PrioMap    PrioMapFunc // optional, defaults to a constant priority
	Func       TaskFunc

	Dup     copy.Duplicator // optional; required only to fan out a mutable value to >1 writer
	Destroy copy.Destructor // optional

	DecodeKey    func([]byte) (any, error)
	DecodeInputs []DecodeFunc // one per input slot; nil entries fall back to DefaultDescriptor into map[string]any
}

// TemplateTask is one graph node: input terminals bound to Func, output
// terminals routed to downstream instances (§3, §5).
type TemplateTask struct {
	name    string
	w       *world.World
	id      uint64
	inputs  []InputSpec
	keymap  KeyMapFunc
	priomap PrioMapFunc
	fn      TaskFunc
	dup     copy.Duplicator
	destroy copy.Destructor

	decodeKey    func([]byte) (any, error)
	decodeInputs []DecodeFunc

	table *task.Table // nil when the single-input bypass applies (§4.2)
	outs  []*OutTerminal

	closed atomic.Bool
}

// New constructs and registers a template task under id (caller-assigned,
// unique per world — typically a hash of Name plus the taskpool id).
func New(w *world.World, id uint64, cfg Config) (*TemplateTask, error) {
	if cfg.KeyMap == nil {
		return nil, errors.New("ttg: Config.KeyMap is required")
	}
	if cfg.Func == nil {
		return nil, errors.New("ttg: Config.Func is required")
	}
	if err := validateInputs(cfg.Inputs); err != nil {
		return nil, err
	}
	priomap := cfg.PrioMap
	if priomap == nil {
		priomap = func(any) int64 { return 0 }
	}
	t := &TemplateTask{
		name: cfg.Name, w: w, id: id,
		inputs: cfg.Inputs, keymap: cfg.KeyMap, priomap: priomap, fn: cfg.Func,
		dup: cfg.Dup, destroy: cfg.Destroy,
		decodeKey: cfg.DecodeKey, decodeInputs: cfg.DecodeInputs,
	}
	if needsTable(cfg.Inputs) {
		t.table = task.NewTable(cmn.GCO.Get().TableBuckets, len(cfg.Inputs))
	}
	t.outs = make([]*OutTerminal, cfg.NumOutputs)
	for i := range t.outs {
		t.outs[i] = &OutTerminal{idx: i, owner: t}
	}
	w.RegisterTemplate(t)
	return t, nil
}

func (t *TemplateTask) TemplateID() uint64      { return t.id }
func (t *TemplateTask) Out(i int) *OutTerminal  { return t.outs[i] }
func (t *TemplateTask) World() *world.World     { return t.w }

// SetArg is the entry point for seeding the graph directly (as opposed to
// an upstream OutTerminal.Send) — e.g. the program's initial set_arg calls
// before any task has produced output.
func (t *TemplateTask) SetArg(ctx context.Context, slot int, key, value any) error {
	dc := t.wrapOutgoing(value)
	rec, err := t.routeSetArg(ctx, slot, key, dc)
	if err != nil {
		// only the remote path returns an error, and sendRemote has already
		// released dc on every error return.
		return err
	}
	if rec != nil {
		t.submit(rec)
	}
	return nil
}

// SetArgVoid fires a control-flow-only input (InputVoid).
func (t *TemplateTask) SetArgVoid(ctx context.Context, slot int, key any) error {
	return t.SetArg(ctx, slot, key, nil)
}

// wrapOutgoing wraps value for transmission, reusing an already-tracked
// DataCopy when value is itself a forwarded input (§C2 pointer registry)
// instead of allocating a fresh one.
func (t *TemplateTask) wrapOutgoing(value any) *copy.DataCopy {
	if dc, ok := t.w.CopyRegistry().Lookup(value); ok {
		return dc
	}
	dc := copy.NewWriter(value, t.dup, t.destroy)
	// The producer never mutates value again once it's handed to set_arg,
	// so the first incoming reader may share it in place rather than
	// forcing a duplicate (§4.1 deferWriter).
	dc.SetDeferWriter(true)
	return dc
}

// routeSetArg sends dc to slot/key, locally or remotely, returning a
// ready-to-submit record if binding it locally completed an instance.
func (t *TemplateTask) routeSetArg(ctx context.Context, slot int, key any, dc *copy.DataCopy) (*task.Record, error) {
	if t.keymap(key) == t.w.Rank() {
		return t.bindLocal(slot, key, dc), nil
	}
	return nil, t.sendRemote(ctx, slot, key, dc, t.keymap(key))
}

func (t *TemplateTask) bindLocal(slot int, key any, dc *copy.DataCopy) *task.Record {
	spec := t.inputs[slot]
	if t.table == nil {
		// single-input, non-streaming/pull/aggregator bypass (§4.2): fire
		// directly without ever touching a task-instance table.
		t.fireBypass(key, dc)
		return nil
	}

	var ready *task.Record
	t.table.Do(key, func(rec *task.Record, created bool) (remove bool) {
		if created {
			rec.Owner = t
			rec.Priority = t.priomap(key)
			t.triggerEagerPulls(rec)
		}
		switch spec.Kind {
		case InputStreaming:
			t.bindStreamValue(rec, slot, dc, spec, created)
		case InputAggregator:
			t.bindAggregate(rec, slot, dc)
		default:
			t.bindPlain(rec, slot, dc)
		}
		if t.recordReady(rec) {
			ready = rec
			return true
		}
		return false
	})
	return ready
}

// bindPlain consumes exactly the one share of dc its caller donated to this
// destination: if RegisterIncoming hands back the same copy, that share now
// belongs to rec and is dropped when the task completes (run()); if it
// duplicates instead, the original share is no longer needed here and is
// released immediately.
func (t *TemplateTask) bindPlain(rec *task.Record, slot int, dc *copy.DataCopy) {
	spec := t.inputs[slot]
	w := &task.SlotWaiter{Rec: rec, Slot: slot, OnGrant: func(r *task.Record, s int, c *copy.DataCopy) {
		r.InCopies[s] = c
		t.onSlotGranted(r)
	}}
	bound, err := dc.RegisterIncoming(w, spec.ReadOnly, t.destroy)
	if err != nil {
		dc.Release()
		cmn.Fatal(cmn.ErrProgramming, err, "ttg(%s): slot %d register incoming failed", t.name, slot)
		return
	}
	if bound == nil {
		// registered as the pending successor of whoever currently holds
		// dc: OnGrant supplies the copy (and re-checks readiness) once
		// that holder releases it.
		return
	}
	if bound != dc {
		dc.Release() // destination got an independent duplicate
	}
	if rec.InCopies[slot] != nil {
		cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): slot %d double-bound for key %v", t.name, slot, rec.Key)
		return
	}
	rec.DepCount.Inc()
	rec.InCopies[slot] = bound
}

// onSlotGranted re-checks readiness after a deferred writer hand-off
// (§4.1 successor chain) completes a record outside the original Do()
// critical section.
func (t *TemplateTask) onSlotGranted(rec *task.Record) {
	if !t.recordReady(rec) {
		return
	}
	if _, ok := t.table.RemoveUnconditional(rec.Key); ok {
		t.submit(rec)
	}
}

// recordReady reports whether every input slot of rec has what it needs to
// fire (§4.2/§4.3/§4.4). Pull slots are checked in a second pass: per
// spec.md §4.3 step 3, a lazy-pull slot is only resolved once every
// non-pull dependency count has been met, so it can't gate the first pass
// without deadlocking on itself.
func (t *TemplateTask) recordReady(rec *task.Record) bool {
	for i, spec := range t.inputs {
		switch spec.Kind {
		case InputPull:
			continue
		case InputStreaming:
			st := rec.Stream[i]
			if !st.Finalized || st.SizeSeen < st.Goal {
				return false
			}
		case InputAggregator:
			if !rec.AggDone[i] {
				return false
			}
		default:
			if rec.InCopies[i] == nil {
				return false
			}
		}
	}
	for i, spec := range t.inputs {
		if spec.Kind != InputPull {
			continue
		}
		t.resolvePullInto(rec, i, spec)
	}
	return true
}

// fireBypass handles the single-input non-streaming/pull/aggregator case
// directly, without a task-instance table (§4.2). It still goes through
// RegisterIncoming: a producer that fans the same DataCopy out to several
// bypass-path destinations (some readonly, at most one exclusive) relies
// on the same reader-share/deferred-writer ordering §4.1 gives templates
// with a table, e.g. a reader firing before the one writer that mutates
// the value in place (SPEC_FULL §8 S4).
func (t *TemplateTask) fireBypass(key any, dc *copy.DataCopy) {
	spec := t.inputs[0]
	w := bypassWaiter{t: t, key: key}
	bound, err := dc.RegisterIncoming(w, spec.ReadOnly, t.destroy)
	if err != nil {
		dc.Release()
		cmn.Fatal(cmn.ErrProgramming, err, "ttg(%s): bypass register incoming failed", t.name)
		return
	}
	if bound == nil {
		// registered as pending successor: GrantWriter -> runBypass fires
		// this once the current holder releases it.
		return
	}
	if bound != dc {
		dc.Release()
	}
	t.runBypass(key, bound)
}

// bypassWaiter adapts a table-less bypass fire into a copy.Waiter, for the
// case where this destination has to wait for a prior reader to release
// exclusive access (§4.1 successor chain).
type bypassWaiter struct {
	t   *TemplateTask
	key any
}

func (w bypassWaiter) GrantWriter(c *copy.DataCopy) { w.t.runBypass(w.key, c) }

func (t *TemplateTask) runBypass(key any, dc *copy.DataCopy) {
	t.w.TrackTaskStart()
	t.w.Pool().Submit(func() {
		defer t.w.TrackTaskDone()
		// a fresh one-slot record per arrival, never stored in a table, so a
		// device task (RunOnDevice) can defer its release like any other
		rec := &task.Record{
			Key: key, Owner: t, N: 1,
			InCopies: []*copy.DataCopy{dc}, Stream: make([]task.StreamState, 1),
			Agg: make([][]*copy.DataCopy, 1), AggDone: make([]bool, 1),
		}
		tc := &TaskContext{Ctx: context.Background(), Key: key, task: t, ins: []any{dc.Value}, rec: rec}
		t.fn(tc)
		if tc.deviceLaunched {
			return
		}
		t.releaseRecord(rec)
	})
}

// submit hands a completed record to the world's worker pool, resolving
// every input slot's final value (folding streams, snapshotting
// aggregators) and releasing copies once Func returns.
func (t *TemplateTask) submit(rec *task.Record) {
	t.w.TrackTaskStart()
	t.w.Pool().Submit(func() {
		defer t.w.TrackTaskDone()
		t.run(rec)
	})
}

func (t *TemplateTask) run(rec *task.Record) {
	ins := make([]any, len(t.inputs))
	for i, spec := range t.inputs {
		switch spec.Kind {
		case InputPull:
			ins[i] = t.resolvePull(rec, i, spec)
		case InputStreaming:
			ins[i] = rec.InCopies[i].Value // accumulator is stored as the copy's value (see bindStreamValue)
		case InputAggregator:
			vals := make([]any, len(rec.Agg[i]))
			for j, c := range rec.Agg[i] {
				vals[j] = c.Value
			}
			ins[i] = vals
		default:
			if rec.InCopies[i] != nil {
				ins[i] = rec.InCopies[i].Value
			}
		}
	}
	tc := &TaskContext{Ctx: context.Background(), Key: rec.Key, task: t, ins: ins, rec: rec}
	t.fn(tc)
	if tc.deviceLaunched {
		// release deferred until the coroutine reaches StateDone (§4.6)
		return
	}
	t.releaseRecord(rec)
}

// releaseRecord drops every input copy's share and returns rec to its pool.
// Called synchronously from run() for host tasks, or from a device
// coroutine's completion callback once it reaches StateDone (§4.6).
func (t *TemplateTask) releaseRecord(rec *task.Record) {
	for i, spec := range t.inputs {
		switch spec.Kind {
		case InputAggregator:
			for _, c := range rec.Agg[i] {
				t.w.CopyRegistry().Forget(c.Value)
				c.Release()
			}
		default:
			if c := rec.InCopies[i]; c != nil {
				t.w.CopyRegistry().Forget(c.Value)
				c.Release()
			}
		}
		_ = spec
	}
	task.Release(rec)
}

// Deliver implements transport.Dispatcher: a remote active message
// addressed to this template (§6.1).
func (t *TemplateTask) Deliver(in *transport.Inbound) {
	if t.decodeKey == nil || len(in.Keys) == 0 {
		cmn.Errorf("ttg(%s): dropping message, no DecodeKey configured", t.name)
		return
	}
	key, err := t.decodeKey(in.Keys[0])
	if err != nil {
		cmn.Errorf("ttg(%s): key decode failed: %v", t.name, err)
		return
	}
	slot := int(in.Header.InputSlot)

	switch in.Header.FnID {
	case transport.FnSetArg:
		value, err := t.decodeValue(slot, in)
		if err != nil {
			cmn.Errorf("ttg(%s): value decode failed: %v", t.name, err)
			return
		}
		dc := copy.New(value, t.dup, t.destroy)
		rec := t.bindRemoteArrival(slot, key, dc)
		if rec != nil {
			t.submit(rec)
		}
	case transport.FnSetArgStreamSize:
		if len(in.Meta) < 8 {
			return
		}
		goal := decodeU64(in.Meta)
		rec := t.applyStreamGoal(key, slot, goal)
		if rec != nil {
			t.submit(rec)
		}
	case transport.FnFinalizeArgStreamSize:
		var rec *task.Record
		if t.inputs[slot].Kind == InputAggregator {
			rec = t.finalizeAggregate(key, slot)
		} else {
			rec = t.finalizeStream(key, slot)
		}
		if rec != nil {
			t.submit(rec)
		}
	case transport.FnGetFromPull:
		t.replyPull(in, key, slot)
	default:
		cmn.Errorf("ttg(%s): unexpected fn_id %d", t.name, in.Header.FnID)
	}
}

func (t *TemplateTask) decodeValue(slot int, in *transport.Inbound) (any, error) {
	iovecs := make([][]byte, len(in.Iovecs))
	for i, reg := range in.Iovecs {
		buf := make([]byte, reg.RegSize)
		if _, err := in.FetchIovec(reg, buf); err != nil {
			return nil, err
		}
		if err := in.NotifyIovecDone(reg); err != nil {
			cmn.Errorf("ttg(%s): iovec-done notify failed: %v", t.name, err)
		}
		iovecs[i] = buf
	}
	if slot < len(t.decodeInputs) && t.decodeInputs[slot] != nil {
		return t.decodeInputs[slot](in.Meta, iovecs)
	}
	var out map[string]any
	if err := (wire.DefaultDescriptor{}).Unpack(in.Meta, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bindRemoteArrival binds a freshly deserialized value: it was never
// aliased locally, so it skips RegisterIncoming's local-aliasing policy
// and binds directly.
func (t *TemplateTask) bindRemoteArrival(slot int, key any, dc *copy.DataCopy) *task.Record {
	if t.table == nil {
		t.runBypass(key, dc)
		return nil
	}
	var ready *task.Record
	t.table.Do(key, func(rec *task.Record, created bool) (remove bool) {
		if created {
			rec.Owner = t
			rec.Priority = t.priomap(key)
			t.triggerEagerPulls(rec)
		}
		switch t.inputs[slot].Kind {
		case InputStreaming:
			t.bindStreamValue(rec, slot, dc, t.inputs[slot], created)
		case InputAggregator:
			t.bindAggregate(rec, slot, dc)
		default:
			if rec.InCopies[slot] != nil {
				cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): slot %d double-bound for key %v", t.name, slot, rec.Key)
				return false
			}
			rec.DepCount.Inc()
			rec.InCopies[slot] = dc
		}
		if t.recordReady(rec) {
			ready = rec
			return true
		}
		return false
	})
	return ready
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
