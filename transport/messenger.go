package transport

import (
	"sync"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/engine"
)

// Inbound is one decoded message handed to a Dispatcher. Iovecs lists the
// remote spans a split-metadata value left for one-sided GET; FetchIovec and
// NotifyIovecDone let the dispatcher pull them and signal the sender it's
// safe to release its reader share (§6.1, §6.2).
type Inbound struct {
	SenderRank int
	Header     Header
	Keys       [][]byte
	Meta       []byte
	Iovecs     []IovecReg

	m *Messenger
}

func (in *Inbound) FetchIovec(reg IovecReg, into []byte) (int, error) {
	return in.m.eng.Get(in.SenderRank, reg.Handle, into)
}

func (in *Inbound) NotifyIovecDone(reg IovecReg) error {
	return in.m.notifyIovecDone(in.SenderRank, reg.ReleaseToken)
}

// Dispatcher receives messages addressed to one template (C5/C6). Deliver
// must not block the messenger's handler goroutine for long — ttg.TemplateTask
// hands off to the worker pool itself.
type Dispatcher interface {
	Deliver(in *Inbound)
}

// TemplateSource resolves a template id to its local Dispatcher, or buffers
// the message for replay once the template registers — the delayed-unpack
// map of §6.1, owned by world.World.
type TemplateSource interface {
	Lookup(templateID uint64) (Dispatcher, bool)
	Buffer(templateID uint64, in *Inbound)
}

// FenceHandler receives world's termination-detection gossip traffic,
// routed through the same active-message handler as template traffic but
// never touching TemplateSource (§C8).
type FenceHandler interface {
	HandleFenceQuery(senderRank int, round uint64)
	HandleFenceReply(senderRank int, round uint64, outstanding int64)
}

// Messenger is the C7 active-message layer: it owns the single engine
// handler every rank registers, decodes the §6.1 envelope, and routes to
// either a template Dispatcher or the world's fence protocol. Outbound
// template traffic (set_arg, stream size, finalize, pull request) goes
// through a per-destination Stream so callers never block on delivery;
// fence, pull-reply and iovec-done messages are posted to the engine
// directly.
type Messenger struct {
	eng     engine.Engine
	src     TemplateSource
	streams *streamPool

	fenceMu sync.RWMutex
	fence   FenceHandler

	relMu sync.Mutex
	rel   map[uint64]func()
	token uint64

	pullMu sync.Mutex
	pull   map[uint64]func(meta []byte)
}

func NewMessenger(eng engine.Engine, src TemplateSource) *Messenger {
	m := &Messenger{eng: eng, src: src, rel: make(map[uint64]func()), pull: make(map[uint64]func([]byte))}
	m.streams = newStreamPool(func(dstRank int, payload []byte) error {
		return eng.Send(dstRank, AMID, payload)
	})
	eng.RegisterHandler(AMID, m.onMessage)
	return m
}

func (m *Messenger) SetFenceHandler(h FenceHandler) {
	m.fenceMu.Lock()
	m.fence = h
	m.fenceMu.Unlock()
}

func (m *Messenger) Rank() int { return m.eng.Rank() }
func (m *Messenger) Size() int { return m.eng.Size() }
func (m *Messenger) Barrier() error { return m.eng.Barrier() }

func (m *Messenger) onMessage(senderRank int, payload []byte) {
	hdr, err := DecodeHeader(payload)
	if err != nil {
		cmn.Errorf("transport: %v", err)
		return
	}
	body := payload[headerSize:]

	switch hdr.FnID {
	case FnIovecDone:
		m.runRelease(hdr.TemplateID) // token smuggled in the TemplateID field
		return
	case FnFenceQuery:
		m.fenceMu.RLock()
		h := m.fence
		m.fenceMu.RUnlock()
		if h != nil {
			h.HandleFenceQuery(senderRank, hdr.TemplateID)
		}
		return
	case FnFenceReply:
		m.fenceMu.RLock()
		h := m.fence
		m.fenceMu.RUnlock()
		if h != nil && len(body) >= 8 {
			h.HandleFenceReply(senderRank, hdr.TemplateID, decodeInt64(body))
		}
		return
	case FnPullReply:
		m.pullMu.Lock()
		cb, ok := m.pull[hdr.TemplateID]
		if ok {
			delete(m.pull, hdr.TemplateID)
		}
		m.pullMu.Unlock()
		if ok {
			cb(body)
		}
		return
	}

	iovecs, rest, err := DecodeIovecRegs(body, hdr.NumIovecs)
	if err != nil {
		cmn.Errorf("transport: %v", err)
		return
	}
	keys, meta, err := UnpackKeys(rest, int(hdr.NumKeys))
	if err != nil {
		cmn.Errorf("transport: %v", err)
		return
	}

	in := &Inbound{SenderRank: senderRank, Header: hdr, Keys: keys, Meta: meta, Iovecs: iovecs, m: m}
	if disp, ok := m.src.Lookup(hdr.TemplateID); ok {
		disp.Deliver(in)
		return
	}
	if cmn.FastV(4, cmn.SmoduleTransport) {
		cmn.Debugf("transport: buffering fn_id=%d for unregistered template %d", hdr.FnID, hdr.TemplateID)
	}
	m.src.Buffer(hdr.TemplateID, in)
}

func encodeBody(keysPacked [][]byte, meta []byte, iovecRegs []IovecReg) (body []byte, keyOffset uint32) {
	iovecBytes := EncodeIovecRegs(iovecRegs)
	keysBytes := PackKeys(keysPacked)
	body = make([]byte, 0, len(iovecBytes)+len(keysBytes)+len(meta))
	body = append(body, iovecBytes...)
	keyOffset = uint32(len(body))
	body = append(body, keysBytes...)
	body = append(body, meta...)
	return body, keyOffset
}

func (m *Messenger) send(dstRank int, hdr Header, body []byte, onSent func(error)) {
	// §5: every in-band active message is bounded by MaxMsgSize; a caller
	// that needs to move more than this must register iovecs instead of
	// inflating body (§6.2 split-metadata protocol).
	if max := cmn.GCO.Get().MaxMsgSize; max > 0 && headerSize+len(body) > max {
		cmn.Fatalf(cmn.ErrResourceExhaustion, "transport: message to rank %d is %d bytes, exceeding MaxMsgSize %d (fn_id=%d)", dstRank, headerSize+len(body), max, hdr.FnID)
		return
	}
	payload := make([]byte, 0, headerSize+len(body))
	payload = append(payload, EncodeHeader(hdr)...)
	payload = append(payload, body...)
	m.streams.get(dstRank).Send(payload, onSent)
}

// SendSetArg delivers one resolved input to the template's (possibly
// remote) instance (§6.1 SET_ARG).
func (m *Messenger) SendSetArg(dstRank int, taskpoolID uint32, templateID uint64, inputSlot int32,
	keysPacked [][]byte, meta []byte, iovecRegs []IovecReg, onSent func(error)) {
	body, keyOffset := encodeBody(keysPacked, meta, iovecRegs)
	hdr := Header{
		TaskpoolID: taskpoolID, TemplateID: templateID, KeyOffset: keyOffset,
		FnID: FnSetArg, NumIovecs: int8(len(iovecRegs)), InputSlot: inputSlot,
		NumKeys: int32(len(keysPacked)), SenderRank: int32(m.eng.Rank()),
	}
	m.send(dstRank, hdr, body, onSent)
}

// SendSetArgStreamSize announces a streaming input's final fold count
// (§6.1 SET_ARGSTREAM_SIZE); meta is the 8-byte little-endian goal.
func (m *Messenger) SendSetArgStreamSize(dstRank int, taskpoolID uint32, templateID uint64, inputSlot int32,
	keysPacked [][]byte, goal uint64) {
	body, keyOffset := encodeBody(keysPacked, encodeUint64(goal), nil)
	hdr := Header{
		TaskpoolID: taskpoolID, TemplateID: templateID, KeyOffset: keyOffset,
		FnID: FnSetArgStreamSize, InputSlot: inputSlot,
		NumKeys: int32(len(keysPacked)), SenderRank: int32(m.eng.Rank()),
	}
	m.send(dstRank, hdr, body, nil)
}

// SendFinalizeArgStreamSize closes a dynamic stream at however many
// contributions have been seen so far (§4.4, §6.1 FINALIZE_ARGSTREAM_SIZE).
func (m *Messenger) SendFinalizeArgStreamSize(dstRank int, taskpoolID uint32, templateID uint64, inputSlot int32,
	keysPacked [][]byte) {
	body, keyOffset := encodeBody(keysPacked, nil, nil)
	hdr := Header{
		TaskpoolID: taskpoolID, TemplateID: templateID, KeyOffset: keyOffset,
		FnID: FnFinalizeArgStreamSize, InputSlot: inputSlot,
		NumKeys: int32(len(keysPacked)), SenderRank: int32(m.eng.Rank()),
	}
	m.send(dstRank, hdr, body, nil)
}

// SendGetFromPull asks dstRank to resolve key against slot's Pull function
// and reply with the value via SendPullReply, correlated by token (§6.1
// GET_FROM_PULL; §5.3 pull terminal).
func (m *Messenger) SendGetFromPull(dstRank int, taskpoolID uint32, templateID uint64, inputSlot int32,
	keysPacked [][]byte, token uint64) {
	body, keyOffset := encodeBody(keysPacked, encodeUint64(token), nil)
	hdr := Header{
		TaskpoolID: taskpoolID, TemplateID: templateID, KeyOffset: keyOffset,
		FnID: FnGetFromPull, InputSlot: inputSlot,
		NumKeys: int32(len(keysPacked)), SenderRank: int32(m.eng.Rank()),
	}
	m.send(dstRank, hdr, body, nil)
}

// AwaitPullReply arranges for cb to run with the packed value once dstRank
// (addressed via the matching SendGetFromPull's token) replies.
func (m *Messenger) AwaitPullReply(token uint64, cb func(meta []byte)) {
	m.pullMu.Lock()
	m.pull[token] = cb
	m.pullMu.Unlock()
}

// SendPullReply answers a GET_FROM_PULL request, echoing the requester's
// token so its AwaitPullReply callback fires.
func (m *Messenger) SendPullReply(dstRank int, token uint64, meta []byte) error {
	if max := cmn.GCO.Get().MaxMsgSize; max > 0 && headerSize+len(meta) > max {
		cmn.Fatalf(cmn.ErrResourceExhaustion, "transport: pull reply to rank %d is %d bytes, exceeding MaxMsgSize %d", dstRank, headerSize+len(meta), max)
		return nil
	}
	hdr := Header{FnID: FnPullReply, TemplateID: token, SenderRank: int32(m.eng.Rank())}
	payload := append(EncodeHeader(hdr), meta...)
	return m.eng.Send(dstRank, AMID, payload)
}

// RegisterIovecs exposes spans for remote GET and returns the registrations
// to embed in an outbound message, one release token per span.
func (m *Messenger) RegisterIovecs(spans [][]byte) []IovecReg {
	regs := make([]IovecReg, len(spans))
	for i, s := range spans {
		regs[i] = IovecReg{
			RegSize:      int64(len(s)),
			Handle:       m.eng.RegisterIovec(s),
			ReleaseToken: m.nextToken(),
		}
	}
	return regs
}

// AwaitIovecDone arranges for cb to run once dstRank notifies it has
// finished GETting every span under token (the sender's reader-share
// release, §6.1 release_token).
func (m *Messenger) AwaitIovecDone(token uint64, cb func()) {
	m.relMu.Lock()
	m.rel[token] = cb
	m.relMu.Unlock()
}

func (m *Messenger) runRelease(token uint64) {
	m.relMu.Lock()
	cb, ok := m.rel[token]
	if ok {
		delete(m.rel, token)
	}
	m.relMu.Unlock()
	if ok {
		cb()
	}
}

func (m *Messenger) notifyIovecDone(dstRank int, token uint64) error {
	hdr := Header{FnID: FnIovecDone, TemplateID: token, SenderRank: int32(m.eng.Rank())}
	return m.eng.Send(dstRank, AMID, EncodeHeader(hdr))
}

// NextToken issues a process-unique correlation id for release/pull
// round-trips.
func (m *Messenger) NextToken() uint64 { return m.nextToken() }

func (m *Messenger) nextToken() uint64 {
	m.relMu.Lock()
	m.token++
	t := m.token
	m.relMu.Unlock()
	return t
}

// SendFenceQuery/SendFenceReply implement world's gossip-based dynamic
// termination detector (§C8) over the same AMID as template traffic.
func (m *Messenger) SendFenceQuery(dstRank int, round uint64) error {
	hdr := Header{FnID: FnFenceQuery, TemplateID: round, SenderRank: int32(m.eng.Rank())}
	return m.eng.Send(dstRank, AMID, EncodeHeader(hdr))
}

func (m *Messenger) SendFenceReply(dstRank int, round uint64, outstanding int64) error {
	hdr := Header{FnID: FnFenceReply, TemplateID: round, SenderRank: int32(m.eng.Rank())}
	payload := append(EncodeHeader(hdr), encodeUint64(uint64(outstanding))...)
	return m.eng.Send(dstRank, AMID, payload)
}

func (m *Messenger) ReleaseIovec(handle uint64) { m.eng.ReleaseIovec(handle) }

func (m *Messenger) Close() error {
	m.streams.Close()
	return m.eng.Close()
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return int64(v)
}
