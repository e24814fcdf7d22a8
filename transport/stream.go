package transport

import "sync"

// obj is one outbound active message queued for async send.
type obj struct {
	payload []byte
	onSent  func(error)
	sendErr error
}

// Stream is a single-destination outbound queue: Send enqueues onto workCh,
// a dedicated goroutine drains it and posts to the engine, handing the
// result to a second goroutine draining cmplCh so completion callbacks never
// block the send path.
//
// Grounded on the teacher's transport.Stream: Send -> workCh -> sendLoop ->
// cmplCh -> doCmpl.
type Stream struct {
	dstRank int
	send    func(dstRank int, payload []byte) error

	workCh chan *obj
	cmplCh chan *obj
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newStream(dstRank int, send func(dstRank int, payload []byte) error) *Stream {
	s := &Stream{
		dstRank: dstRank,
		send:    send,
		workCh:  make(chan *obj, 64),
		cmplCh:  make(chan *obj, 64),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.sendLoop()
	go s.cmplLoop()
	return s
}

func (s *Stream) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case o := <-s.workCh:
			o.sendErr = s.send(s.dstRank, o.payload)
			s.cmplCh <- o
		case <-s.stopCh:
			return
		}
	}
}

func (s *Stream) cmplLoop() {
	defer s.wg.Done()
	for {
		select {
		case o := <-s.cmplCh:
			if o.onSent != nil {
				o.onSent(o.sendErr)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Send enqueues payload for delivery; onSent (if non-nil) runs on the
// completion-queue goroutine once the engine Send call returns.
func (s *Stream) Send(payload []byte, onSent func(error)) {
	s.workCh <- &obj{payload: payload, onSent: onSent}
}

func (s *Stream) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// streamPool lazily allocates one Stream per destination rank.
type streamPool struct {
	send func(dstRank int, payload []byte) error

	mu      sync.Mutex
	streams map[int]*Stream
}

func newStreamPool(send func(dstRank int, payload []byte) error) *streamPool {
	return &streamPool{send: send, streams: make(map[int]*Stream)}
}

func (p *streamPool) get(dstRank int) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[dstRank]
	if !ok {
		s = newStream(dstRank, p.send)
		p.streams[dstRank] = s
	}
	return s
}

func (p *streamPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		s.Close()
	}
}
