// Package engine abstracts the communication-engine primitives spec.md
// assumes are already provided: point-to-point active messages, one-sided
// GET, and a barrier (§1 Non-goals). Everything in this package is the
// seam the runtime is built against; a production deployment would swap
// LocalEngine for an MPI/UCX-backed implementation without the rest of the
// runtime noticing.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package engine

// HandlerFunc processes an inbound active message payload from senderRank.
type HandlerFunc func(senderRank int, payload []byte)

// Engine is the seam between the runtime and the assumed comm engine.
type Engine interface {
	Rank() int
	Size() int

	// Send posts an active message to dstRank, tagged fnID so the
	// receiver's registered handler can be selected without inspecting
	// the payload.
	Send(dstRank int, fnID byte, payload []byte) error

	// RegisterHandler installs h as the receiver for messages tagged fnID.
	RegisterHandler(fnID byte, h HandlerFunc)

	// RegisterIovec exposes buf for one-sided GET by remote ranks,
	// returning an opaque handle to embed in an outgoing message.
	RegisterIovec(buf []byte) (handle uint64)

	// Get performs a one-sided GET of the iovec registered as handle on
	// srcRank, into into. Returns the number of bytes copied.
	Get(srcRank int, handle uint64, into []byte) (int, error)

	// ReleaseIovec drops a local iovec registration — called once the
	// sender has been notified (release_token, §6.1) that every
	// destination finished GETting it.
	ReleaseIovec(handle uint64)

	// Barrier blocks until every rank has entered it.
	Barrier() error

	Close() error
}
