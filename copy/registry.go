package copy

import (
	"encoding/binary"
	"reflect"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Registry is the process-wide pointer registry (C2): a weak index from a
// value's address to the DataCopy that owns it, consulted by set_arg when a
// task forwards a value it received as input, so the outbound path reuses
// the inbound copy's reference instead of allocating a new one.
//
// Go values boxed in an `any` don't expose a stable address the way a C++
// object does; Registry only tracks values whose Go representation already
// carries one (pointers, slices, maps, chans, funcs — via reflect.Value.
// Pointer()). Anything else is simply never found, which is safe: the
// caller falls back to treating the value as fresh.
//
// Grounded on SK-Kadam-aistore/transport/collect.go's map-plus-channel
// collector shape; the cuckoo filter adds a fast negative check before the
// mutex-protected map lookup, the way a bloom/cuckoo filter guards a cache
// miss in front of a slower authoritative store.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[uintptr]*DataCopy
	filter *cuckoo.Filter
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr: make(map[uintptr]*DataCopy, 1024),
		filter: cuckoo.NewFilter(1 << 20),
	}
}

// addrOf returns the value's address and true if it has a stable one.
func addrOf(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.IsNil() || rv.Cap() == 0 {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

func keyBytes(addr uintptr) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return b[:]
}

// Register is called when a task record is released to the scheduler: its
// resolved input copies become discoverable by address until the task
// completes (Forget).
func (r *Registry) Register(value any, dc *DataCopy) {
	addr, ok := addrOf(value)
	if !ok {
		return
	}
	r.mu.Lock()
	r.byAddr[addr] = dc
	r.filter.InsertUnique(keyBytes(addr))
	r.mu.Unlock()
}

// Lookup rediscovers the owning copy for a value a task is forwarding
// on an outbound send. Must not be called under any task-table bucket
// lock (§5 Locking discipline: "registry operations must not be called
// under any task-table bucket lock").
func (r *Registry) Lookup(value any) (*DataCopy, bool) {
	addr, ok := addrOf(value)
	if !ok {
		return nil, false
	}
	if !r.filter.Lookup(keyBytes(addr)) {
		return nil, false // definitely absent, skip the map entirely
	}
	r.mu.RLock()
	dc, found := r.byAddr[addr]
	r.mu.RUnlock()
	return dc, found
}

// Forget clears a value's registration, called when the owning task record
// completes.
func (r *Registry) Forget(value any) {
	addr, ok := addrOf(value)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.byAddr, addr)
	r.filter.Delete(keyBytes(addr))
	r.mu.Unlock()
}
