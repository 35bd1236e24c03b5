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

// Package fakekernel is a pure-Go mach.Kernel used by tests. It
// simulates one target task in-process: a set of virtual threads, each
// with its own mach.ThreadState, plus a flat virtual address space
// backed by ordinary Go memory. "Calling a remote function" is modeled
// by registering a Go closure at a chosen virtual address; ResumeThread
// looks up the function at the thread's PC and runs it synchronously,
// then leaves the thread parked on the return address the call driver
// set up (link register or scratch register), as archdrv expects to
// observe after a real hardware resume.
package fakekernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-taskhook/taskhook/pkg/mach"
)

// Func is a fake remote function: given the integer argument registers
// (ABI order) and a view of the task's virtual memory, it returns the
// primary result register value.
type Func func(args [8]uint64, vm *VM) uint64

// VM is the flat virtual address space of the fake remote task.
type VM struct {
	mu   sync.Mutex
	next uint64
	regions map[uint64][]byte
}

func newVM() *VM {
	return &VM{next: 0x10000, regions: map[uint64][]byte{}}
}

// Alloc reserves size bytes and returns their base address.
func (v *VM) Alloc(size uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	addr := v.next
	v.next += (size + 0xfff) &^ 0xfff // page round, matches real vm_allocate granularity
	v.regions[addr] = make([]byte, size)
	return addr
}

// Free releases a region created by Alloc.
func (v *VM) Free(addr uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.regions[addr]; !ok {
		return fmt.Errorf("fakekernel: free of unknown region %#x", addr)
	}
	delete(v.regions, addr)
	return nil
}

func (v *VM) find(addr uint64, length int) ([]byte, int, error) {
	for base, region := range v.regions {
		if addr >= base && addr+uint64(length) <= base+uint64(len(region)) {
			return region, int(addr - base), nil
		}
	}
	return nil, 0, fmt.Errorf("fakekernel: address %#x+%d not mapped", addr, length)
}

// Read copies length bytes starting at addr.
func (v *VM) Read(addr uint64, length int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	region, off, err := v.find(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, region[off:off+length])
	return out, nil
}

// Write copies data into the region starting at addr.
func (v *VM) Write(addr uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	region, off, err := v.find(addr, len(data))
	if err != nil {
		return err
	}
	copy(region[off:off+len(data)], data)
	return nil
}

// Shared returns the backing slice for a region, used to implement
// Kernel.MapShared: in-process, "dual mapping" is simply handing back
// the same slice to both sides.
func (v *VM) Shared(addr uint64, size int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	region, off, err := v.find(addr, size)
	if err != nil {
		return nil, err
	}
	return region[off : off+size], nil
}

type vThread struct {
	port    mach.Port
	state   mach.ThreadState
	suspend int
	fn      Func
	exited  bool
}

// Kernel is a fake mach.Kernel backing one target task.
type Kernel struct {
	mu       sync.Mutex
	nextPort mach.Port
	order    []mach.Port // creation order, oldest first
	threads  map[mach.Port]*vThread
	funcs    map[uint64]Func
	vm       *VM
	mailbox  map[mach.Port]chan uint64
	sentinel uint64 // fallback return address when neither LR nor Scratch is set
}

// New returns a Kernel with no threads yet; call Spawn to add one,
// mimicking a pre-existing process thread.
func New() *Kernel {
	return &Kernel{
		nextPort: 100,
		threads:  map[mach.Port]*vThread{},
		funcs:    map[uint64]Func{},
		vm:       newVM(),
		mailbox:  map[mach.Port]chan uint64{},
		sentinel: 0xdead0000,
	}
}

// Sentinel is the controlled-return address this fake kernel uses; test
// callers pass it to whichever archdrv.Driver they construct.
func (k *Kernel) Sentinel() uint64 { return k.sentinel }

// VM exposes the virtual address space for test setup (registering
// buffers, reading back OUTPUT_BUFFER results, etc).
func (k *Kernel) VM() *VM { return k.vm }

// Spawn adds a new runnable thread to the task, as if the process had
// started it itself (i.e. a thread acquisition candidate, suspend count
// 0). Returns its port.
func (k *Kernel) Spawn() mach.Port {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.nextPort
	k.nextPort++
	k.threads[p] = &vThread{port: p}
	k.order = append(k.order, p)
	return p
}

// RegisterFunc binds addr to fn so that a call driver setting a thread's
// PC to addr and resuming it will execute fn.
func (k *Kernel) RegisterFunc(addr uint64, fn Func) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.funcs[addr] = fn
}

// AllocFunc reserves a fresh address in the VM and binds fn to it,
// returning the address to pass as a call target.
func (k *Kernel) AllocFunc(fn Func) uint64 {
	addr := k.vm.Alloc(8)
	k.RegisterFunc(addr, fn)
	return addr
}

func (k *Kernel) thread(p mach.Port) (*vThread, error) {
	t, ok := k.threads[p]
	if !ok {
		return nil, fmt.Errorf("fakekernel: no such thread %d", p)
	}
	return t, nil
}

// GetThreadState implements mach.Kernel.
func (k *Kernel) GetThreadState(p mach.Port) (mach.ThreadState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(p)
	if err != nil {
		return mach.ThreadState{}, err
	}
	return t.state, nil
}

// SetThreadState implements mach.Kernel.
func (k *Kernel) SetThreadState(p mach.Port, st mach.ThreadState) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(p)
	if err != nil {
		return err
	}
	t.state = st
	return nil
}

// SuspendThread implements mach.Kernel.
func (k *Kernel) SuspendThread(p mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(p)
	if err != nil {
		return err
	}
	t.suspend++
	return nil
}

// ResumeThread implements mach.Kernel. If the thread's function table
// has an entry at the current PC, it is run to completion synchronously
// and the thread is parked on its return address, simulating the
// hardware controlled-return technique of spec §4.A.
func (k *Kernel) ResumeThread(p mach.Port) error {
	k.mu.Lock()
	t, err := k.thread(p)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if t.suspend > 0 {
		t.suspend--
	}
	if t.suspend > 0 {
		k.mu.Unlock()
		return nil
	}
	fn, ok := k.funcs[t.state.PC]
	vm := k.vm
	sentinel := k.sentinel
	k.mu.Unlock()
	if !ok {
		// Nothing registered at PC: the thread simply runs on.
		return nil
	}
	ret := fn(t.state.Args, vm)

	k.mu.Lock()
	defer k.mu.Unlock()
	t.state.Return = ret
	// Return where the call driver arranged: the link register on
	// register-and-link, the preloaded scratch register (which equals the
	// pushed return address) on register-and-stack.
	retAddr := t.state.LR
	if retAddr == 0 {
		retAddr = t.state.Scratch
	}
	if retAddr == 0 {
		retAddr = sentinel
	}
	t.state.PC = retAddr
	// Left at suspend==0 here: archdrv.Execute suspends again itself once
	// it observes completion. Re-incrementing here too would double the
	// count and desynchronize a second call on the same thread.
	return nil
}

// TerminateThread implements mach.Kernel.
func (k *Kernel) TerminateThread(p mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(p)
	if err != nil {
		return err
	}
	t.exited = true
	delete(k.threads, p)
	return nil
}

// TaskThreads implements mach.Kernel, returning ports oldest-first; it
// is acquire's job to walk them newest-to-oldest per spec §4.C.
func (k *Kernel) TaskThreads(_ mach.Port) ([]mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]mach.Port, 0, len(k.order))
	for _, p := range k.order {
		if _, ok := k.threads[p]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ThreadSuspendCount implements mach.Kernel.
func (k *Kernel) ThreadSuspendCount(p mach.Port) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(p)
	if err != nil {
		return 0, err
	}
	return t.suspend, nil
}

// SpawnFromFunc simulates the target's own thread-creation primitive
// (e.g. pthread_create_suspended_np) for use inside a Func registered as
// a handle's HijackCreateThreadFn hook: it creates a new suspended
// thread with PC set to entry and arg in Args[0], and returns the
// thread's port cast to uint64 as the "user-level identity" a real
// pthread_t would be, for a paired HijackTranslateThreadFn hook to
// translate back into a kernel name.
func (k *Kernel) SpawnFromFunc(entry, arg uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.nextPort
	k.nextPort++
	t := &vThread{port: p, suspend: 1}
	t.state.PC = entry
	t.state.Args[0] = arg
	k.threads[p] = t
	k.order = append(k.order, p)
	return uint64(p)
}

// ExtractThreadSendRight implements mach.Kernel: the identity, mirroring
// the kernel-name-is-the-port-value convention SpawnFromFunc uses above.
func (k *Kernel) ExtractThreadSendRight(_ mach.Port, kernelName uint64) (mach.Port, error) {
	p := mach.Port(kernelName)
	if _, err := k.thread(p); err != nil {
		return 0, err
	}
	return p, nil
}

// PortAllocate implements mach.Kernel.
func (k *Kernel) PortAllocate(_ mach.Port) (mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.nextPort
	k.nextPort++
	k.mailbox[p] = make(chan uint64, 1)
	return p, nil
}

// PortInsertRight implements mach.Kernel; in this fake every right is a
// plain Port value, so inserting is the identity.
func (k *Kernel) PortInsertRight(_ mach.Port, right mach.Port, _ mach.Disposition) (mach.Port, error) {
	return right, nil
}

// PortExtractRight implements mach.Kernel; identity, see above.
func (k *Kernel) PortExtractRight(_ mach.Port, remote mach.Port, _ mach.Disposition) (mach.Port, error) {
	return remote, nil
}

// PortDeallocate implements mach.Kernel. Ports allocated via
// PortAllocate have a mailbox entry; this removes it. Deallocating an
// unknown port (e.g. SelfTask's fixed well-known names) is a no-op, not
// an error, matching mach_port_deallocate's own tolerance of already-gone
// names.
func (k *Kernel) PortDeallocate(_ mach.Port, port mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.mailbox, port)
	return nil
}

// VMAllocate implements mach.Kernel.
func (k *Kernel) VMAllocate(_ mach.Port, size uint64) (mach.VMAddress, error) {
	return mach.VMAddress(k.vm.Alloc(size)), nil
}

// VMDeallocate implements mach.Kernel.
func (k *Kernel) VMDeallocate(_ mach.Port, addr mach.VMAddress, _ uint64) error {
	return k.vm.Free(uint64(addr))
}

// MapShared implements mach.Kernel: in-process, the "local" and
// "remote" mappings are the same backing slice.
func (k *Kernel) MapShared(_ mach.Port, addr mach.VMAddress, size uint64) ([]byte, error) {
	return k.vm.Shared(uint64(addr), int(size))
}

// UnmapShared implements mach.Kernel; a no-op, since MapShared did not
// allocate anything new.
func (k *Kernel) UnmapShared(_ []byte) error { return nil }

// WriteMemory implements mach.Kernel.
func (k *Kernel) WriteMemory(_ mach.Port, addr mach.VMAddress, data []byte) error {
	return k.vm.Write(uint64(addr), data)
}

// ReadMemory implements mach.Kernel.
func (k *Kernel) ReadMemory(_ mach.Port, addr mach.VMAddress, length int) ([]byte, error) {
	return k.vm.Read(uint64(addr), length)
}

// SendTaggedMessage implements mach.Kernel.
func (k *Kernel) SendTaggedMessage(dest mach.Port, tag uint64) error {
	k.mu.Lock()
	ch, ok := k.mailbox[dest]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("fakekernel: no such port %d", dest)
	}
	ch <- tag
	return nil
}

// ReceiveTaggedMessage implements mach.Kernel.
func (k *Kernel) ReceiveTaggedMessage(local mach.Port) (uint64, error) {
	k.mu.Lock()
	ch, ok := k.mailbox[local]
	k.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fakekernel: no such port %d", local)
	}
	return <-ch, nil
}

var _ mach.Kernel = (*Kernel)(nil)
