package engine

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/devreal/ttg/cmn"
)

// LocalEngine is an in-process Engine implementation: either the sole rank
// of a single-process World, or one of several ranks simulated within the
// same process for testing cross-rank routing (spec.md §8 scenario S2)
// without a real MPI/UCX transport. Message delivery runs on its own
// goroutine per send, mirroring "the communication engine has its own
// thread(s)" (§5).
type LocalEngine struct {
	rank int
	hub  *hub
	wg   *sync.WaitGroup

	mu       sync.RWMutex
	handlers map[byte]HandlerFunc

	iomu       sync.Mutex
	iovecs     map[uint64][]byte
	nextHandle atomic.Uint64
}

type hub struct {
	ranks   []*LocalEngine
	barrier *barrier
}

// NewLocalCluster builds size in-process ranks sharing one hub. Rank i's
// Engine is cluster[i].
func NewLocalCluster(size int) []*LocalEngine {
	if size <= 0 {
		size = 1
	}
	h := &hub{ranks: make([]*LocalEngine, size), barrier: newBarrier(size)}
	var wg sync.WaitGroup
	for i := range h.ranks {
		h.ranks[i] = &LocalEngine{
			rank:     i,
			hub:      h,
			wg:       &wg,
			handlers: make(map[byte]HandlerFunc),
			iovecs:   make(map[uint64][]byte),
		}
	}
	return h.ranks
}

// NewSingleRank is the size-1 convenience constructor for single-process
// operation.
func NewSingleRank() *LocalEngine { return NewLocalCluster(1)[0] }

func (e *LocalEngine) Rank() int { return e.rank }
func (e *LocalEngine) Size() int { return len(e.hub.ranks) }

func (e *LocalEngine) RegisterHandler(fnID byte, h HandlerFunc) {
	e.mu.Lock()
	e.handlers[fnID] = h
	e.mu.Unlock()
}

func (e *LocalEngine) Send(dstRank int, fnID byte, payload []byte) error {
	if dstRank < 0 || dstRank >= len(e.hub.ranks) {
		cmn.Fatalf(cmn.ErrProgramming, "engine: send to out-of-range rank %d (size=%d)", dstRank, len(e.hub.ranks))
		return nil
	}
	dst := e.hub.ranks[dstRank]
	// copy: the sender's buffer may be reused/freed right after Send returns.
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		dst.mu.RLock()
		h, ok := dst.handlers[fnID]
		dst.mu.RUnlock()
		if !ok {
			cmn.Fatalf(cmn.ErrCommFailure, "engine: rank %d has no handler for fn_id %d", dstRank, fnID)
			return
		}
		h(e.rank, cp)
	}()
	return nil
}

func (e *LocalEngine) RegisterIovec(buf []byte) uint64 {
	h := e.nextHandle.Inc()
	e.iomu.Lock()
	e.iovecs[h] = buf
	e.iomu.Unlock()
	return h
}

func (e *LocalEngine) ReleaseIovec(handle uint64) {
	e.iomu.Lock()
	delete(e.iovecs, handle)
	e.iomu.Unlock()
}

func (e *LocalEngine) Get(srcRank int, handle uint64, into []byte) (int, error) {
	src := e.hub.ranks[srcRank]
	src.iomu.Lock()
	buf, ok := src.iovecs[handle]
	src.iomu.Unlock()
	if !ok {
		cmn.Fatalf(cmn.ErrCommFailure, "engine: GET against unknown/expired handle %d on rank %d", handle, srcRank)
		return 0, nil
	}
	n := copy(into, buf)
	return n, nil
}

func (e *LocalEngine) Barrier() error {
	e.hub.barrier.wait()
	return nil
}

func (e *LocalEngine) Close() error {
	e.wg.Wait()
	return nil
}
