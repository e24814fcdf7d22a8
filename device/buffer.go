// Package device implements the device-task coroutine protocol (C9): the
// 4-state machine a device task's coroutine advances through across
// host-device transfers and kernel launches (spec.md §4.6), plus the
// buffer descriptor the protocol stages views through (SPEC_FULL.md §5.4).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package device

// DevicePtr is an opaque device-side address, allocated and freed by
// whatever device driver is wired in at the call site. The runtime only
// ever holds it behind a Buffer; it never dereferences it.
type DevicePtr uintptr

// Buffer is a device-resident view: a host value paired with its
// device-side shadow, each side tracked dirty independently so the
// WAIT_TRANSFER and WAIT_SENDS transitions know which way to stage data
// (original_source/ttg/ttg/buffer.h).
type Buffer struct {
	Host   any
	Device DevicePtr

	HostDirty   bool
	DeviceDirty bool
}

// NewBuffer wraps host in a Buffer with no device allocation yet; the
// scheduler fills in Device during to_device staging.
func NewBuffer(host any) *Buffer {
	return &Buffer{Host: host, HostDirty: true}
}

// MarkHostDirty flags the host side as the side to stage from on the next
// device transfer (e.g. after a host task mutates Host in place).
func (b *Buffer) MarkHostDirty() {
	b.HostDirty = true
	b.DeviceDirty = false
}

// MarkDeviceDirty flags the device side as authoritative, e.g. right after
// a kernel writes it; a subsequent host read must stage it back first.
func (b *Buffer) MarkDeviceDirty() {
	b.DeviceDirty = true
	b.HostDirty = false
}

// NeedsStageIn reports whether this buffer must be copied host->device
// before the kernel that declared it can run.
func (b *Buffer) NeedsStageIn() bool { return b.HostDirty }

// NeedsStageOut reports whether this buffer must be copied device->host
// (or sent onward from its device copy directly) after the kernel runs.
func (b *Buffer) NeedsStageOut() bool { return b.DeviceDirty }
