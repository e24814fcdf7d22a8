package ttg

import (
	"context"

	"github.com/devreal/ttg/copy"
	"github.com/devreal/ttg/task"
)

// bindAggregate appends one contribution to an aggregator input's
// per-key collection (SPEC_FULL §5.1); unlike streaming there is no
// declared goal, only an explicit FinalizeAggregate call.
func (t *TemplateTask) bindAggregate(rec *task.Record, slot int, dc *copy.DataCopy) {
	rec.Agg[slot] = append(rec.Agg[slot], dc)
}

// FinalizeAggregate closes an aggregator input for key: the task fires
// once every other input is also satisfied, receiving the full collection
// via TaskContext.Input as a []any.
func (t *TemplateTask) FinalizeAggregate(ctx context.Context, slot int, key any) error {
	if t.keymap(key) != t.w.Rank() {
		t.w.Messenger().SendFinalizeArgStreamSize(t.keymap(key), t.w.TaskpoolID(), t.id, int32(slot), [][]byte{t.packKey(key)})
		return nil
	}
	rec := t.finalizeAggregate(key, slot)
	if rec != nil {
		t.submit(rec)
	}
	return nil
}

func (t *TemplateTask) finalizeAggregate(key any, slot int) *task.Record {
	var ready *task.Record
	t.table.Do(key, func(rec *task.Record, created bool) (remove bool) {
		if created {
			rec.Owner = t
			rec.Priority = t.priomap(key)
		}
		rec.AggDone[slot] = true
		if t.recordReady(rec) {
			ready = rec
			return true
		}
		return false
	})
	return ready
}
