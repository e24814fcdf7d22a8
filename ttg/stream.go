package ttg

import (
	"context"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/task"
)

// bindStreamValue folds one contribution into a streaming input's running
// accumulator (§4.4). The accumulator itself lives in rec.InCopies[slot]
// (reused rather than adding a separate field) so the run loop can read it
// back the same way as a plain value input.
func (t *TemplateTask) bindStreamValue(rec *task.Record, slot int, dc *copy.DataCopy, spec InputSpec, created bool) {
	if created && spec.StaticGoal > 0 {
		rec.Stream[slot].Goal = spec.StaticGoal
		rec.Stream[slot].Finalized = true
	}
	st := &rec.Stream[slot]
	if st.Finalized && st.SizeSeen >= st.Goal {
		// §7 streaming overflow: another contribution arrived after the
		// goal was already met.
		cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): stream slot %d received past its goal %d", t.name, slot, st.Goal)
		dc.Release()
		return
	}
	acc := rec.InCopies[slot]
	next := spec.Reducer(valueOrNil(acc), dc.Value)
	if acc == nil {
		rec.InCopies[slot] = copy.New(next, t.dup, t.destroy)
	} else {
		acc.Value = next
	}
	st.SizeSeen++
	dc.Release()
}

func valueOrNil(c *copy.DataCopy) any {
	if c == nil {
		return nil
	}
	return c.Value
}

// SetArgStreamSize announces the total number of contributions a streaming
// input will receive for key, dynamically (when the template declared
// StaticGoal == 0). Mirrors set_argstream_size (§4.4, §6.1).
func (t *TemplateTask) SetArgStreamSize(ctx context.Context, slot int, key any, goal uint64) error {
	if t.keymap(key) != t.w.Rank() {
		t.w.Messenger().SendSetArgStreamSize(t.keymap(key), t.w.TaskpoolID(), t.id, int32(slot), [][]byte{t.packKey(key)}, goal)
		return nil
	}
	rec := t.applyStreamGoal(key, slot, goal)
	if rec != nil {
		t.submit(rec)
	}
	return nil
}

func (t *TemplateTask) applyStreamGoal(key any, slot int, goal uint64) *task.Record {
	var ready *task.Record
	t.table.Do(key, func(rec *task.Record, created bool) (remove bool) {
		if created {
			rec.Owner = t
			rec.Priority = t.priomap(key)
		}
		if rec.Stream[slot].Finalized {
			cmn.Errorf("ttg(%s): stream goal set twice for slot %d", t.name, slot)
			return false
		}
		if rec.Stream[slot].SizeSeen > goal {
			// §7 streaming overflow: more contributions already arrived
			// than the goal now being announced allows for.
			cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): stream slot %d already saw %d, more than goal %d", t.name, slot, rec.Stream[slot].SizeSeen, goal)
			return false
		}
		rec.Stream[slot].Goal = goal
		rec.Stream[slot].Finalized = true
		if t.recordReady(rec) {
			ready = rec
			return true
		}
		return false
	})
	return ready
}

// FinalizeArgStream closes a dynamic stream at however many contributions
// have arrived so far — the goal becomes whatever SizeSeen already is
// (§4.4's overflow/closure handling; a later arrival past this point is §7
// streaming overflow and aborts the process in bindStreamValue).
func (t *TemplateTask) FinalizeArgStream(ctx context.Context, slot int, key any) error {
	if t.keymap(key) != t.w.Rank() {
		t.w.Messenger().SendFinalizeArgStreamSize(t.keymap(key), t.w.TaskpoolID(), t.id, int32(slot), [][]byte{t.packKey(key)})
		return nil
	}
	rec := t.finalizeStream(key, slot)
	if rec != nil {
		t.submit(rec)
	}
	return nil
}

func (t *TemplateTask) finalizeStream(key any, slot int) *task.Record {
	var ready *task.Record
	t.table.Do(key, func(rec *task.Record, created bool) (remove bool) {
		if created {
			rec.Owner = t
			rec.Priority = t.priomap(key)
		}
		if !rec.Stream[slot].Finalized {
			rec.Stream[slot].Goal = rec.Stream[slot].SizeSeen
			rec.Stream[slot].Finalized = true
			if rec.Stream[slot].Goal == 0 {
				cmn.Debugf("ttg(%s): stream slot %d finalized empty", t.name, slot)
			}
		}
		if t.recordReady(rec) {
			ready = rec
			return true
		}
		return false
	})
	return ready
}
