package device

import (
	"sync"

	"github.com/devreal/ttg/cmn"
)

// State is one stage of the device-task coroutine protocol (spec.md §4.6).
type State int32

const (
	StateStart State = iota
	StateWaitTransfer
	StateWaitKernel
	StateWaitSends
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateWaitTransfer:
		return "wait_transfer"
	case StateWaitKernel:
		return "wait_kernel"
	case StateWaitSends:
		return "wait_sends"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Driver stages buffers to and from the device and runs kernels on it.
// Implemented by whatever device backend is wired in; the runtime never
// talks to the device directly, only through back-pointers held in Buffer
// (spec.md §4.6, "Device memory is tracked by the device driver ... the
// runtime only holds back-pointers into it via buffer descriptors").
type Driver interface {
	// StageIn copies the host side of every view that NeedsStageIn into its
	// device shadow, then calls done once all transfers complete (or with
	// a non-nil error if staging failed).
	StageIn(views []*Buffer, done func(error))
	// LaunchKernel enqueues run on the device stream owning views and
	// calls done from the stream's completion callback.
	LaunchKernel(views []*Buffer, run func(), done func(error))
}

// Task is the three callbacks a device task registers in place of a real
// coroutine (spec.md §4.6's host-language fallback: "model as three
// callbacks registered at task creation").
type Task struct {
	// ToDevice runs at START: declares the views this task will touch.
	ToDevice func() []*Buffer
	// Kernel runs once staging completes (WAIT_TRANSFER -> WAIT_KERNEL):
	// returns the closure to enqueue on the device stream.
	Kernel func(views []*Buffer) func()
	// Sends runs once the kernel completes (WAIT_KERNEL -> WAIT_SENDS):
	// issues the task's outgoing Send/Broadcast calls.
	Sends func(views []*Buffer)
}

// Coroutine is the explicit state machine standing in for a stackful
// coroutine frame (Go has none): each driver callback advances it exactly
// one state, matching spec.md §4.6's START -> WAIT_TRANSFER -> WAIT_KERNEL
// -> WAIT_SENDS -> DONE chain. Stored in task.Record.CoroutineState.
type Coroutine struct {
	mu     sync.Mutex
	state  State
	views  []*Buffer
	task   Task
	driver Driver

	// done is invoked exactly once, on reaching StateDone or on a fatal
	// failure partway through. Bound by the scheduler to release the
	// task's input copies (§4.1) and return its record to the pool.
	done func(err error)
}

// NewHostTask builds a Coroutine that collapses START directly to DONE
// (spec.md §4.6: "Host tasks never suspend"), for ordinary (non-device)
// task funcs that happen to share the record's CoroutineState slot.
func NewHostTask(done func(error)) *Coroutine {
	return &Coroutine{state: StateStart, done: done}
}

// New builds a device-task coroutine that will run task against driver.
func New(task Task, driver Driver, done func(error)) *Coroutine {
	return &Coroutine{state: StateStart, task: task, driver: driver, done: done}
}

// State returns the coroutine's current stage.
func (c *Coroutine) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Views returns the buffers declared at to_device, valid from
// StateWaitTransfer onward.
func (c *Coroutine) Views() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views
}

// Start resumes the coroutine for the first time (START -> WAIT_TRANSFER):
// it declares its views and hands them to the driver for staging. For a
// host task (no Task registered) this is a no-op collapse straight to
// DONE.
func (c *Coroutine) Start() {
	c.mu.Lock()
	if c.state != StateStart {
		c.mu.Unlock()
		cmn.Fatalf(cmn.ErrProgramming, "device: Start called in state %s", c.state)
		return
	}
	if c.task.ToDevice == nil {
		c.mu.Unlock()
		c.finish(nil)
		return
	}
	views := c.task.ToDevice()
	c.views = views
	c.state = StateWaitTransfer
	driver := c.driver
	c.mu.Unlock()

	driver.StageIn(views, c.transfersDone)
}

// transfersDone fires once the driver has finished staging every declared
// view (WAIT_TRANSFER -> WAIT_KERNEL): the coroutine enqueues its kernel
// and suspends again via wait_kernel.
func (c *Coroutine) transfersDone(err error) {
	if err != nil {
		c.finish(err)
		return
	}
	c.mu.Lock()
	if c.state != StateWaitTransfer {
		c.mu.Unlock()
		cmn.Fatalf(cmn.ErrProgramming, "device: transfersDone in state %s", c.state)
		return
	}
	for _, v := range c.views {
		v.MarkDeviceDirty()
	}
	run := c.task.Kernel(c.views)
	c.state = StateWaitKernel
	views, driver := c.views, c.driver
	c.mu.Unlock()

	driver.LaunchKernel(views, run, c.kernelDone)
}

// kernelDone fires from the device stream's completion callback
// (WAIT_KERNEL -> WAIT_SENDS): the coroutine issues its outgoing sends and
// the frame is done. Per spec.md §4.6, a kernel-submission failure here is
// fatal; no partial output send is ever exposed downstream.
func (c *Coroutine) kernelDone(err error) {
	if err != nil {
		c.finish(err)
		return
	}
	c.mu.Lock()
	if c.state != StateWaitKernel {
		c.mu.Unlock()
		cmn.Fatalf(cmn.ErrProgramming, "device: kernelDone in state %s", c.state)
		return
	}
	c.state = StateWaitSends
	views := c.views
	c.mu.Unlock()

	c.task.Sends(views)
	c.finish(nil)
}

// finish drives the frame to DONE and invokes the release callback exactly
// once, whether reached normally or via a staging/kernel failure.
func (c *Coroutine) finish(err error) {
	c.mu.Lock()
	already := c.state == StateDone
	c.state = StateDone
	done := c.done
	c.mu.Unlock()
	if already {
		return
	}
	if done != nil {
		done(err)
	}
}
