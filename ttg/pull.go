package ttg

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/task"
	"github.com/devreal/ttg/transport"
)

// MapPull adapts a *sync.Map into a PullFunc, the common-case container
// SPEC_FULL.md §5.3 carries over from the original's default pull-terminal
// wiring (a plain map accessed under a caller-provided lock) — sync.Map
// gives the same "reads don't block concurrent writers" property without
// requiring the caller to manage its own RWMutex.
func MapPull(m *sync.Map) PullFunc {
	return func(key any) (any, bool) {
		return m.Load(key)
	}
}

// triggerEagerPulls resolves every non-lazy pull input immediately when a
// record is created, per spec.md §4.3 step 3 ("issue pull messages for
// each such input unless lazy-pull"). LazyPull inputs are left untouched
// here and instead resolved by recordReady's second pass, once every
// non-pull dependency has been met.
func (t *TemplateTask) triggerEagerPulls(rec *task.Record) {
	for i, spec := range t.inputs {
		if spec.Kind != InputPull || spec.LazyPull {
			continue
		}
		t.resolvePullInto(rec, i, spec)
	}
}

// resolvePullInto resolves spec's Pull function for rec.Key and caches the
// result in rec.InCopies[slot], the same slot plain value inputs use, so a
// later recordReady/run sees it without invoking Pull again. A miss leaves
// the slot nil; it is retried the next time this record is touched.
func (t *TemplateTask) resolvePullInto(rec *task.Record, slot int, spec InputSpec) {
	if rec.InCopies[slot] != nil || spec.Pull == nil {
		return
	}
	if v, ok := spec.Pull(rec.Key); ok {
		rec.InCopies[slot] = copy.New(v, t.dup, t.destroy)
	}
}

// resolvePull returns an InputPull slot's resolved value at fire time
// (§5.3), preferring whatever triggerEagerPulls/recordReady already cached
// in rec.InCopies and falling back to a direct local lookup. LazyPull only
// changes when the lookup happens (never pushed ahead of time); reaching
// across ranks is an explicit opt-in via RequestPull from inside Func, not
// automatic, so a task body controls exactly when it pays for a round trip.
func (t *TemplateTask) resolvePull(rec *task.Record, slot int, spec InputSpec) any {
	if c := rec.InCopies[slot]; c != nil {
		return c.Value
	}
	if spec.Pull == nil {
		return nil
	}
	v, _ := spec.Pull(rec.Key)
	return v
}

// RequestPull fetches key from slot's Pull function on dstRank, blocking
// the calling goroutine (expected to be a task body running on the worker
// pool) until the reply arrives or the timeout elapses.
func (t *TemplateTask) RequestPull(dstRank int, slot int, key any) (any, error) {
	if dstRank == t.w.Rank() {
		v, ok := t.resolvePullLocal(slot, key)
		if !ok {
			return nil, errors.Errorf("ttg(%s): local pull miss for slot %d", t.name, slot)
		}
		return v, nil
	}
	token := t.w.Messenger().NextToken()
	replyCh := make(chan []byte, 1)
	t.w.Messenger().AwaitPullReply(token, func(meta []byte) { replyCh <- meta })
	t.w.Messenger().SendGetFromPull(dstRank, t.w.TaskpoolID(), t.id, int32(slot), [][]byte{t.packKey(key)}, token)

	select {
	case meta := <-replyCh:
		val, err := t.decodeValue(slot, &transport.Inbound{Meta: meta})
		if err != nil {
			return nil, err
		}
		return val, nil
	case <-time.After(10 * time.Second):
		return nil, errors.Errorf("ttg(%s): pull request to rank %d timed out", t.name, dstRank)
	}
}

func (t *TemplateTask) resolvePullLocal(slot int, key any) (any, bool) {
	spec := t.inputs[slot]
	if spec.Pull == nil {
		return nil, false
	}
	return spec.Pull(key)
}

// replyPull answers a GET_FROM_PULL request (§6.1).
func (t *TemplateTask) replyPull(in *transport.Inbound, key any, slot int) {
	if len(in.Meta) < 8 {
		cmn.Errorf("ttg(%s): malformed pull request for slot %d", t.name, slot)
		return
	}
	token := decodeU64(in.Meta)
	val, ok := t.resolvePullLocal(slot, key)
	if !ok {
		cmn.Debugf("ttg(%s): pull miss for slot %d, key=%v", t.name, slot, key)
		return
	}
	meta, err := t.w.WireRegistry().For(typeTag(val)).Pack(val)
	if err != nil {
		cmn.Errorf("ttg(%s): pull reply pack failed: %v", t.name, err)
		return
	}
	if err := t.w.Messenger().SendPullReply(in.SenderRank, token, meta); err != nil {
		cmn.Errorf("ttg(%s): pull reply send failed: %v", t.name, err)
	}
}
