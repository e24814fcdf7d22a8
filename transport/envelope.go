// Package transport implements the distributed messaging layer (C7): it
// unifies local enqueue and remote active-message dispatch behind the same
// set_arg API, serializing set_arg/set_size/finalize/pull into the
// active-message envelope of spec.md §6.1 and posting/completing RDMA GETs
// for iovec payloads.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// FnID selects which §6.1 payload layout follows the header.
type FnID uint8

const (
	FnSetArg FnID = iota
	FnSetArgStreamSize
	FnFinalizeArgStreamSize
	FnGetFromPull

	// Reserved range used internally by world's fence/iovec-completion
	// protocol and ttg's explicit pull-request helper, routed around the
	// template Dispatcher the same way (cf. aistore transport's "range of
	// ... Opcode values reserved for internal use").
	FnFenceQuery
	FnFenceReply
	FnIovecDone
	FnPullReply
)

// AMID is the single engine-level handler tag every rank registers;
// FnID sub-dispatches within it (§6.1 header carries fn_id, one handler
// per process, not one per message kind — matching transport.HandleObjStream
// registering one handler per trname in the teacher).
const AMID byte = 1

// Header is the fixed-size envelope header of §6.1.
type Header struct {
	TaskpoolID uint32
	TemplateID uint64
	KeyOffset  uint32 // offset within payload where keys start
	FnID       FnID
	NumIovecs  int8
	InputSlot  int32
	NumKeys    int32
	SenderRank int32
}

const headerSize = 4 + 8 + 4 + 1 + 1 + 4 + 4 + 4

// IovecReg accompanies one split-metadata iovec span in-band: the handle
// the receiver GETs against, its size, and the release token the sender
// interprets when notified of completion (§6.1).
type IovecReg struct {
	RegSize      int64
	Handle       uint64
	ReleaseToken uint64
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.TaskpoolID)
	binary.LittleEndian.PutUint64(buf[4:12], h.TemplateID)
	binary.LittleEndian.PutUint32(buf[12:16], h.KeyOffset)
	buf[16] = byte(h.FnID)
	buf[17] = byte(h.NumIovecs)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(h.InputSlot))
	binary.LittleEndian.PutUint32(buf[22:26], uint32(h.NumKeys))
	binary.LittleEndian.PutUint32(buf[26:30], uint32(h.SenderRank))
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errors.Errorf("transport: short header (%d < %d)", len(buf), headerSize)
	}
	var h Header
	h.TaskpoolID = binary.LittleEndian.Uint32(buf[0:4])
	h.TemplateID = binary.LittleEndian.Uint64(buf[4:12])
	h.KeyOffset = binary.LittleEndian.Uint32(buf[12:16])
	h.FnID = FnID(buf[16])
	h.NumIovecs = int8(buf[17])
	h.InputSlot = int32(binary.LittleEndian.Uint32(buf[18:22]))
	h.NumKeys = int32(binary.LittleEndian.Uint32(buf[22:26]))
	h.SenderRank = int32(binary.LittleEndian.Uint32(buf[26:30]))
	return h, nil
}

// PackKeys length-prefixes each packed key so UnpackKeys can split them
// back out without a shared schema.
func PackKeys(packed [][]byte) []byte {
	var buf bytes.Buffer
	for _, k := range packed {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.Write(k)
	}
	return buf.Bytes()
}

// UnpackKeys reads n length-prefixed keys off the front of data, returning
// the unconsumed remainder so the caller can keep decoding what follows
// (the set_arg value metadata, typically).
func UnpackKeys(data []byte, n int) ([][]byte, []byte, error) {
	out := make([][]byte, 0, n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, nil, errors.Wrap(err, "transport: truncated key length")
		}
		l := binary.LittleEndian.Uint32(lenBuf[:])
		k := make([]byte, l)
		if _, err := io.ReadFull(r, k); err != nil {
			return nil, nil, errors.Wrap(err, "transport: truncated key body")
		}
		out = append(out, k)
	}
	rest := data[len(data)-r.Len():]
	return out, rest, nil
}

func EncodeIovecRegs(regs []IovecReg) []byte {
	buf := make([]byte, 0, len(regs)*24)
	var tmp [24]byte
	for _, r := range regs {
		binary.LittleEndian.PutUint64(tmp[0:8], uint64(r.RegSize))
		binary.LittleEndian.PutUint64(tmp[8:16], r.Handle)
		binary.LittleEndian.PutUint64(tmp[16:24], r.ReleaseToken)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func DecodeIovecRegs(data []byte, n int8) ([]IovecReg, []byte, error) {
	out := make([]IovecReg, 0, n)
	for i := int8(0); i < n; i++ {
		if len(data) < 24 {
			return nil, nil, errors.New("transport: truncated iovec registration")
		}
		out = append(out, IovecReg{
			RegSize:      int64(binary.LittleEndian.Uint64(data[0:8])),
			Handle:       binary.LittleEndian.Uint64(data[8:16]),
			ReleaseToken: binary.LittleEndian.Uint64(data[16:24]),
		})
		data = data[24:]
	}
	return out, data, nil
}
