// Copyright 2024 The Taskhook Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mach defines the Kernel abstraction: the one interface through
// which every other taskhook package touches Mach primitives. It exists
// so that archdrv, acquire, stage, callmarshal and transfer can be
// written, and unit-tested, against a single seam rather than against
// cgo calls directly. pkg/mach/darwinkernel implements it for real;
// pkg/mach/fakekernel implements it in pure Go for tests.
package mach

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order used for all cross-task memory writes.
// Both supported architectures (amd64, arm64) are little-endian, so this
// is fixed rather than detected at runtime.
var ByteOrder = binary.LittleEndian

// PutUint64 writes v into b in ByteOrder.
func PutUint64(b []byte, v uint64) { ByteOrder.PutUint64(b, v) }

// Uint64 reads a uint64 from b in ByteOrder.
func Uint64(b []byte) uint64 { return ByteOrder.Uint64(b) }

// Port is a Mach port name: a local integer that refers to a right
// (send, receive, send-once) held in some task's IPC space. The same
// integer value means different things in different tasks, which is why
// the data model keeps "local" and "remote" names of the same
// underlying object as separate fields.
type Port uint32

// NullPort is the Mach convention for "no port".
const NullPort Port = 0

// SelfTask is a sentinel passed as the task argument to a Kernel method
// to mean "the controller's own task", mirroring mach_task_self() being
// a fixed well-known value rather than something looked up per call.
const SelfTask Port = 0xffffffff

// VMAddress is an address in a task's virtual address space. It is
// always relative to one particular task; crossing from a remote
// VMAddress to a local uintptr requires going through Kernel.MapShared.
type VMAddress uint64

// Disposition controls what a port-right extract/insert operation
// transfers, mirroring MACH_MSG_TYPE_* dispositions.
type Disposition int

const (
	// DispositionCopySend copies a send right, leaving the source's
	// right intact.
	DispositionCopySend Disposition = iota
	// DispositionMoveSend moves a send right, removing it from the
	// source.
	DispositionMoveSend
	// DispositionMoveReceive moves a receive right.
	DispositionMoveReceive
)

// ThreadState is the architecture-generic subset of a thread's register
// file that every component in this repository needs to read or write.
// Real implementations hold the full GPR set behind Raw; archdrv only
// ever touches the named fields below, which is what keeps the call
// driver portable between arm64 and amd64.
type ThreadState struct {
	// PC is the program counter / instruction pointer.
	PC uint64
	// SP is the stack pointer.
	SP uint64
	// LR is the link register. Only meaningful on the register-and-
	// link architecture; zero and unused on register-and-stack.
	LR uint64
	// Return is the primary return-value register (x0 / rax).
	Return uint64
	// Args holds the integer argument registers in ABI order. Only
	// the first N are used, where N is the architecture's register
	// argument count (8 on arm64, 6 on amd64).
	Args [8]uint64
	// Scratch is an architecture-owned spare register used by the
	// register-and-stack controlled-return trampoline to hold the
	// gadget address (spec §4.A). Unused on register-and-link.
	Scratch uint64
	// Raw is the implementation-specific full register blob (e.g. a
	// darwin arm_thread_state64_t), opaque outside pkg/mach/darwinkernel.
	Raw interface{}
}

// Kernel is every Mach primitive the rest of this module calls. One
// method per primitive, named after the primitive it wraps, so failures
// can be reported with the primitive name (spec §7's kernel-call
// taxonomy) without each caller re-deriving it.
type Kernel interface {
	// GetThreadState implements thread_get_state for the general
	// register flavor.
	GetThreadState(thread Port) (ThreadState, error)
	// SetThreadState implements thread_set_state.
	SetThreadState(thread Port, st ThreadState) error

	SuspendThread(thread Port) error
	ResumeThread(thread Port) error
	TerminateThread(thread Port) error

	// TaskThreads implements task_threads: every thread currently in
	// task, in kernel-reported order.
	TaskThreads(task Port) ([]Port, error)
	// ThreadSuspendCount implements thread_info(THREAD_BASIC_INFO).
	ThreadSuspendCount(thread Port) (int, error)

	// ExtractThreadSendRight implements the extraction of a send
	// right to a thread named kernelName in task's IPC space into the
	// caller's own IPC space (spec
	// §4.C step 5). Thread creation and name translation (steps 3-4)
	// are genuine remote calls, not Kernel primitives: see
	// acquire.HijackBootstrapSpawn.
	ExtractThreadSendRight(task Port, kernelName uint64) (Port, error)

	// PortAllocate implements mach_port_allocate for a receive right
	// in task's IPC space.
	PortAllocate(task Port) (Port, error)
	// PortInsertRight implements mach_port_insert_right: insert right
	// (naming a port in the *caller's* space) into task's IPC space
	// under the given disposition, returning its name there.
	PortInsertRight(task Port, right Port, disp Disposition) (Port, error)
	// PortExtractRight implements mach_port_extract_right: take the
	// port named remote in task's IPC space and give the caller a
	// right to it under the given disposition.
	PortExtractRight(task Port, remote Port, disp Disposition) (Port, error)
	// PortDeallocate implements mach_port_deallocate/mach_port_destroy
	// for a right named port in task's IPC space.
	PortDeallocate(task Port, port Port) error

	// VMAllocate implements mach_vm_allocate: size bytes, anywhere, in
	// task's address space.
	VMAllocate(task Port, size uint64) (VMAddress, error)
	// VMDeallocate implements mach_vm_deallocate.
	VMDeallocate(task Port, addr VMAddress, size uint64) error
	// MapShared dual-maps the memory object backing [addr, addr+size)
	// of task into the caller's address space, returning a local base
	// usable as an ordinary Go []byte via unsafe (spec §4.B Stage 1).
	MapShared(task Port, addr VMAddress, size uint64) (local []byte, err error)
	// UnmapShared reverses MapShared.
	UnmapShared(local []byte) error

	// WriteMemory writes data into task's address space at addr,
	// used before shared memory exists (e.g. staging's own bootstrap)
	// or for small fixed pokes.
	WriteMemory(task Port, addr VMAddress, data []byte) error
	// ReadMemory reads length bytes from task's address space at addr.
	ReadMemory(task Port, addr VMAddress, length int) ([]byte, error)

	// SendTaggedMessage and ReceiveTaggedMessage implement a minimal
	// mach_msg round trip used both by the bootstrap handshake and by
	// the port-pairing self-test in spec §8: the tag is an opaque
	// uint64 payload carried with the message.
	SendTaggedMessage(dest Port, tag uint64) error
	ReceiveTaggedMessage(local Port) (uint64, error)
}

// Err formats a Kernel primitive failure consistently; used by every
// implementation of Kernel so log lines and wrapped errors look the
// same regardless of which Kernel backs them.
func Err(primitive string, status error) error {
	return fmt.Errorf("%s: %w", primitive, status)
}
