package task

import (
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// Table is the per-template concurrent instance table (C4): a hash map
// keyed by the user key's string form, sharded into per-bucket locks.
//
// Single-input non-streaming templates bypass this table entirely per
// §4.2 — the ttg package never constructs one for them.
type Table struct {
	buckets []bucket
	mask    uint64
	nInputs int
}

type bucket struct {
	mu sync.Mutex
	m  map[string]*Record
}

// NewTable builds a table with nBuckets shards (rounded up to a power of
// two, matching the teacher's collector maps being pre-sized for their
// expected cardinality) for templates declaring nInputs input slots.
func NewTable(nBuckets, nInputs int) *Table {
	n := 1
	for n < nBuckets {
		n <<= 1
	}
	t := &Table{buckets: make([]bucket, n), mask: uint64(n - 1), nInputs: nInputs}
	for i := range t.buckets {
		t.buckets[i].m = make(map[string]*Record, 16)
	}
	return t
}

func keyString(key any) string { return fmt.Sprintf("%v", key) }

func (t *Table) bucketFor(keyStr string) *bucket {
	h := xxhash.ChecksumString64(keyStr)
	return &t.buckets[h&t.mask]
}

// Do runs fn under the bucket lock owning key, after finding or allocating
// the record (§4.2 find_or_create — folded into one call since every
// caller in §4.3's set_arg algorithm needs the record and the lock
// together). fn returns true to remove the record from the table in the
// same critical section (§4.3 step 2's "remove from the table in the same
// critical section").
//
// fn receives created=true when this call allocated a fresh record.
func (t *Table) Do(key any, fn func(rec *Record, created bool) (remove bool)) {
	keyStr := keyString(key)
	b := t.bucketFor(keyStr)
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, found := b.m[keyStr]
	created := !found
	if created {
		rec = allocRecord(t.nInputs)
		rec.Key = key
		rec.keyStr = keyStr
		rec.RemoveFromHash = true
		b.m[keyStr] = rec
	}
	if fn(rec, created) {
		if rec.RemoveFromHash {
			delete(b.m, keyStr)
			rec.RemoveFromHash = false
		}
	}
}

// RemoveUnconditional pops a record the caller has established is no
// longer discoverable, used by streaming finalize and error paths (§4.2).
func (t *Table) RemoveUnconditional(key any) (*Record, bool) {
	keyStr := keyString(key)
	b := t.bucketFor(keyStr)
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.m[keyStr]
	if !ok {
		return nil, false
	}
	delete(b.m, keyStr)
	rec.RemoveFromHash = false
	return rec, true
}

// Release returns rec to the per-process pool. Call only after the task
// body has completed and its data copies have been released (§3
// lifecycle).
func Release(rec *Record) { freeRecord(rec) }
