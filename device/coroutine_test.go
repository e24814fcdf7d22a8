package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	stageErr  error
	kernelErr error

	stagedViews []*Buffer
	ranKernel   bool
}

func (d *fakeDriver) StageIn(views []*Buffer, done func(error)) {
	d.stagedViews = views
	done(d.stageErr)
}

func (d *fakeDriver) LaunchKernel(views []*Buffer, run func(), done func(error)) {
	if d.kernelErr == nil {
		run()
		d.ranKernel = true
	}
	done(d.kernelErr)
}

func TestCoroutine_HostTaskCollapsesDirectlyToDone(t *testing.T) {
	var doneErr error
	called := false
	co := NewHostTask(func(err error) { called = true; doneErr = err })

	co.Start()

	require.True(t, called)
	require.NoError(t, doneErr)
	require.Equal(t, StateDone, co.State())
}

func TestCoroutine_FullCycleReachesDone(t *testing.T) {
	buf := NewBuffer(42)
	drv := &fakeDriver{}
	var kernelRan, sendsRan bool
	var finalErr error
	done := make(chan struct{})

	spec := Task{
		ToDevice: func() []*Buffer { return []*Buffer{buf} },
		Kernel: func(views []*Buffer) func() {
			return func() { kernelRan = true }
		},
		Sends: func(views []*Buffer) { sendsRan = true },
	}
	co := New(spec, drv, func(err error) { finalErr = err; close(done) })

	co.Start()
	<-done

	require.NoError(t, finalErr)
	require.True(t, kernelRan)
	require.True(t, sendsRan)
	require.True(t, drv.ranKernel)
	require.Equal(t, StateDone, co.State())
	require.True(t, buf.DeviceDirty)
}

func TestCoroutine_StageFailureIsFatalNoSendsRun(t *testing.T) {
	drv := &fakeDriver{stageErr: errors.New("transfer failed")}
	sendsRan := false
	var finalErr error

	spec := Task{
		ToDevice: func() []*Buffer { return []*Buffer{NewBuffer(1)} },
		Kernel:   func(views []*Buffer) func() { return func() {} },
		Sends:    func(views []*Buffer) { sendsRan = true },
	}
	co := New(spec, drv, func(err error) { finalErr = err })

	co.Start()

	require.Error(t, finalErr)
	require.False(t, sendsRan)
	require.Equal(t, StateDone, co.State())
}

func TestCoroutine_KernelFailureIsFatalNoSendsRun(t *testing.T) {
	drv := &fakeDriver{kernelErr: errors.New("kernel submit failed")}
	sendsRan := false
	var finalErr error

	spec := Task{
		ToDevice: func() []*Buffer { return []*Buffer{NewBuffer(1)} },
		Kernel:   func(views []*Buffer) func() { return func() {} },
		Sends:    func(views []*Buffer) { sendsRan = true },
	}
	co := New(spec, drv, func(err error) { finalErr = err })

	co.Start()

	require.Error(t, finalErr)
	require.False(t, sendsRan)
	require.Equal(t, StateDone, co.State())
}

func TestCoroutine_FinishIsIdempotent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	co := NewHostTask(func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	co.finish(nil)
	co.finish(nil)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestBuffer_DirtyTracking(t *testing.T) {
	b := NewBuffer("x")
	require.True(t, b.NeedsStageIn())
	require.False(t, b.NeedsStageOut())

	b.MarkDeviceDirty()
	require.False(t, b.NeedsStageIn())
	require.True(t, b.NeedsStageOut())

	b.MarkHostDirty()
	require.True(t, b.NeedsStageIn())
	require.False(t, b.NeedsStageOut())
}
