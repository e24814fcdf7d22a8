package copy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type waitFn func(c *DataCopy)

func (f waitFn) GrantWriter(c *DataCopy) { f(c) }

func dup(v any) (any, bool) {
	n := v.(int)
	return n, true
}

func TestRegisterIncoming_ReadSharedReaders(t *testing.T) {
	dc := New(7, dup, nil)
	bound, err := dc.RegisterIncoming(nil, true, nil)
	require.NoError(t, err)
	require.Same(t, dc, bound)
	require.Equal(t, int32(2), dc.readers)
}

func TestRegisterIncoming_ReadSharedExclusive_SoleReaderBecomesWriter(t *testing.T) {
	dc := New(7, dup, nil)
	var granted *DataCopy
	bound, err := dc.RegisterIncoming(waitFn(func(c *DataCopy) { granted = c }), false, nil)
	require.NoError(t, err)
	require.Nil(t, bound) // registered as pending successor, not usable yet
	require.Equal(t, stateWriter, dc.st)
	require.Equal(t, int32(1), dc.readers) // still the sole reader's own share
	require.Nil(t, granted)                // not granted yet: Release() still needs to run

	dc.Release()
	require.Same(t, dc, granted)
	require.Equal(t, stateReadShared, dc.st)
}

func TestRegisterIncoming_ReadSharedExclusive_MultipleReadersDuplicates(t *testing.T) {
	dc := New(7, dup, nil)
	dc.readers = 2
	bound, err := dc.RegisterIncoming(nil, false, nil)
	require.NoError(t, err)
	require.NotSame(t, dc, bound)
	require.Equal(t, 7, bound.Value)
}

// The deferWriter zero-copy handoff: a freshly produced, never-shared
// value's first readonly consumer shares in place rather than duplicating.
func TestRegisterIncoming_DeferWriter_FirstReadonlyConsumerSharesInPlace(t *testing.T) {
	dc := NewWriter(7, dup, nil)
	dc.SetDeferWriter(true)
	bound, err := dc.RegisterIncoming(nil, true, nil)
	require.NoError(t, err)
	require.Same(t, dc, bound)
	require.Equal(t, stateReadShared, dc.st)
	require.Equal(t, int32(1), dc.readers)
}

// A second readonly consumer of an already-shared deferred writer also
// shares in place (readers just keeps climbing).
func TestRegisterIncoming_DeferWriter_SecondReadonlyConsumerAlsoShares(t *testing.T) {
	dc := NewWriter(7, dup, nil)
	dc.SetDeferWriter(true)
	dc.successor = waitFn(func(*DataCopy) {})
	bound, err := dc.RegisterIncoming(nil, true, nil)
	require.NoError(t, err)
	require.Same(t, dc, bound)
	require.Equal(t, int32(1), dc.readers)
}

// The gap this package's RegisterIncoming used to have: the very first
// EXCLUSIVE consumer of a deferred, successor-less writer must also take
// the copy directly rather than being forced through Duplicate.
func TestRegisterIncoming_DeferWriter_FirstExclusiveConsumerTakesDirectly(t *testing.T) {
	dc := NewWriter(7, dup, nil)
	dc.SetDeferWriter(true)
	bound, err := dc.RegisterIncoming(nil, false, nil)
	require.NoError(t, err)
	require.Same(t, dc, bound)
	require.False(t, dc.deferWriter)
}

func TestRegisterIncoming_Writer_NoDeferReadonlyDuplicates(t *testing.T) {
	dc := NewWriter(7, dup, nil)
	bound, err := dc.RegisterIncoming(nil, true, nil)
	require.NoError(t, err)
	require.NotSame(t, dc, bound)
}

func TestRegisterIncoming_Writer_NoDeferExclusiveDuplicates(t *testing.T) {
	dc := NewWriter(7, dup, nil)
	bound, err := dc.RegisterIncoming(nil, false, nil)
	require.NoError(t, err)
	require.NotSame(t, dc, bound)
}

func TestRegisterIncoming_NotCopyableReturnsError(t *testing.T) {
	dc := NewWriter(7, nil, nil)
	_, err := dc.RegisterIncoming(nil, true, nil)
	require.Error(t, err)
	var notCopyable *ErrNotCopyable
	require.ErrorAs(t, err, &notCopyable)
}

func TestRelease_SuccessorHandoffAtLastReader(t *testing.T) {
	dc := New(7, dup, nil)
	dc.readers = 1
	var granted *DataCopy
	dc.successor = waitFn(func(c *DataCopy) { granted = c })

	dc.Release()

	require.Same(t, dc, granted)
	require.Equal(t, stateReadShared, dc.st)
	require.Nil(t, dc.successor)
}

func TestRelease_DropsRefcountAtZeroReaders(t *testing.T) {
	destroyed := false
	dc := New(7, dup, func(any) { destroyed = true })
	dc.Release()
	require.True(t, destroyed)
}

func TestRelease_WriterWithNoSuccessorDropsImmediately(t *testing.T) {
	destroyed := false
	dc := NewWriter(7, dup, func(any) { destroyed = true })
	dc.Release()
	require.True(t, destroyed)
}

func TestAddRef_KeepsValueAliveAcrossOneRelease(t *testing.T) {
	destroyed := false
	dc := New(7, dup, func(any) { destroyed = true })
	dc.AddRef()
	dc.Release()
	require.False(t, destroyed)
	dc.Release()
	require.True(t, destroyed)
}

func TestDuplicate_MoveOnlyTypeFails(t *testing.T) {
	dc := New(7, nil, nil)
	_, err := dc.Duplicate(nil)
	require.Error(t, err)
}

func TestAcquireWriter_RejectsWhenSuccessorAlreadySet(t *testing.T) {
	dc := New(7, dup, nil)
	dc.readers = 1
	dc.successor = waitFn(func(*DataCopy) {})
	err := dc.AcquireWriter(waitFn(func(*DataCopy) {}))
	require.ErrorIs(t, err, ErrMustDuplicate)
}

func TestAcquireWriter_SucceedsWithSoleReader(t *testing.T) {
	dc := New(7, dup, nil)
	err := dc.AcquireWriter(waitFn(func(*DataCopy) {}))
	require.NoError(t, err)
	require.Equal(t, stateWriter, dc.st)
}
