package world

import "sync"

// WorkerPool is the fixed-size goroutine pool tasks are submitted to once
// their task-instance-table release (§4.3 step 4) hands them a priority-
// ordered batch from task.ReleaseRing. Kept deliberately simple: a single
// shared channel, the way a bounded job queue is the common denominator
// across the pack's worker-pool shapes.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = 1
	}
	p := &WorkerPool{tasks: make(chan func(), 4096)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit enqueues fn for execution by the next free worker. Callers submit
// a released ring in priority order; FIFO channel delivery preserves that
// order across idle workers closely enough for scheduling purposes (§4.3
// doesn't mandate strict global priority, only that a batch release drains
// highest-priority-first).
func (p *WorkerPool) Submit(fn func()) { p.tasks <- fn }

func (p *WorkerPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
