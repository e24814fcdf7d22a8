package ttg

import (
	"context"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/device"
	"github.com/devreal/ttg/task"
)

// TaskContext is handed to a template's Func when its instance fires: the
// resolved input values and the output terminals it may Send/Broadcast on.
type TaskContext struct {
	Ctx  context.Context
	Key  any
	task *TemplateTask
	ins  []any
	rec  *task.Record // untabled one-slot record on the single-input bypass path (§4.2)

	deviceLaunched bool
}

// Input returns the resolved value bound to input slot i. Aggregator slots
// return []any (every contribution collected for this key); streaming slots
// return the final folded accumulator; void slots return nil.
func (tc *TaskContext) Input(i int) any { return tc.ins[i] }

// Out returns output terminal i, for Send/Broadcast.
func (tc *TaskContext) Out(i int) *OutTerminal { return tc.task.outs[i] }

// NumOutputs reports how many output terminals this template declared.
func (tc *TaskContext) NumOutputs() int { return len(tc.task.outs) }

// RunOnDevice hands this instance off to the device coroutine protocol
// (§4.6): spec's ToDevice/Kernel/Sends callbacks stand in for a suspended
// coroutine frame. Func must return immediately afterwards without issuing
// its own Send/Broadcast calls — Sends does that once the kernel
// completes. Input-copy release and task.Release are deferred until the
// coroutine reaches StateDone, which may happen on a driver callback
// goroutine rather than the calling worker.
func (tc *TaskContext) RunOnDevice(driver device.Driver, spec device.Task) {
	if tc.rec == nil {
		cmn.Fatalf(cmn.ErrProgramming, "ttg(%s): RunOnDevice called without a task record", tc.task.name)
		return
	}
	tc.deviceLaunched = true
	t, rec := tc.task, tc.rec
	co := device.New(spec, driver, func(err error) {
		if err != nil {
			cmn.Fatal(cmn.ErrUserFunction, err, "ttg(%s): device task for key %v failed", t.name, rec.Key)
		}
		t.releaseRecord(rec)
	})
	rec.CoroutineState = co
	co.Start()
}
