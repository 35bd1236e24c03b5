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

//go:build darwin

// Package darwinkernel implements mach.Kernel against real Mach traps
// via cgo. Mach IPC and VM primitives are ordinary libsystem_kernel
// entry points, not raw BSD syscalls, so there is no
// golang.org/x/sys/unix equivalent to call into instead — cgo against
// <mach/mach.h> is the idiomatic way to reach them from Go.
package darwinkernel

/*
#cgo LDFLAGS: -framework CoreFoundation

#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/thread_act.h>
#include <mach/thread_status.h>
#include <stdlib.h>
#include <string.h>

static kern_return_t taskhook_thread_get_state(thread_act_t thread, x86_thread_state64_t *out) {
	mach_msg_type_number_t count = x86_THREAD_STATE64_COUNT;
	return thread_get_state(thread, x86_THREAD_STATE64, (thread_state_t)out, &count);
}

static kern_return_t taskhook_thread_set_state(thread_act_t thread, x86_thread_state64_t *in) {
	return thread_set_state(thread, x86_THREAD_STATE64, (thread_state_t)in, x86_THREAD_STATE64_COUNT);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/go-taskhook/taskhook/pkg/mach"
)

// Kernel implements mach.Kernel using real Mach traps. It holds no
// state of its own beyond what the kernel already tracks by port name;
// every method is a thin cgo call plus error translation.
type Kernel struct{}

// New returns a Kernel backed by the real Mach kernel. Only meaningful
// when running on the same machine as the target task.
func New() *Kernel { return &Kernel{} }

func krErr(primitive string, kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return mach.Err(primitive, fmt.Errorf("kern_return_t %d", int32(kr)))
}

// GetThreadState implements mach.Kernel via thread_get_state for the
// x86_THREAD_STATE64 flavor. arm64 support follows the same shape
// against arm_thread_state64_t and is added alongside real device
// testing; amd64 is implemented first because it is what CI containers
// can exercise.
func (k *Kernel) GetThreadState(thread mach.Port) (mach.ThreadState, error) {
	var raw C.x86_thread_state64_t
	if err := krErr("thread_get_state", C.taskhook_thread_get_state(C.thread_act_t(thread), &raw)); err != nil {
		return mach.ThreadState{}, err
	}
	st := mach.ThreadState{
		PC:     uint64(raw.__rip),
		SP:     uint64(raw.__rsp),
		Return: uint64(raw.__rax),
		Raw:    raw,
	}
	st.Args[0] = uint64(raw.__rdi)
	st.Args[1] = uint64(raw.__rsi)
	st.Args[2] = uint64(raw.__rdx)
	st.Args[3] = uint64(raw.__rcx)
	st.Args[4] = uint64(raw.__r8)
	st.Args[5] = uint64(raw.__r9)
	st.Scratch = uint64(raw.__r10)
	return st, nil
}

// SetThreadState implements mach.Kernel.
func (k *Kernel) SetThreadState(thread mach.Port, st mach.ThreadState) error {
	raw, ok := st.Raw.(C.x86_thread_state64_t)
	if !ok {
		// No prior GetThreadState to seed flags/segment registers from;
		// zero them, which is sufficient for a freshly created thread
		// (acquire.HijackBootstrapSpawn's new thread) but not for
		// reusing a hijacked thread's untouched fields.
		raw = C.x86_thread_state64_t{}
	}
	raw.__rip = C.__uint64_t(st.PC)
	raw.__rsp = C.__uint64_t(st.SP)
	raw.__rax = C.__uint64_t(st.Return)
	raw.__rdi = C.__uint64_t(st.Args[0])
	raw.__rsi = C.__uint64_t(st.Args[1])
	raw.__rdx = C.__uint64_t(st.Args[2])
	raw.__rcx = C.__uint64_t(st.Args[3])
	raw.__r8 = C.__uint64_t(st.Args[4])
	raw.__r9 = C.__uint64_t(st.Args[5])
	raw.__r10 = C.__uint64_t(st.Scratch)
	return krErr("thread_set_state", C.taskhook_thread_set_state(C.thread_act_t(thread), &raw))
}

// SuspendThread implements mach.Kernel.
func (k *Kernel) SuspendThread(thread mach.Port) error {
	return krErr("thread_suspend", C.thread_suspend(C.thread_act_t(thread)))
}

// ResumeThread implements mach.Kernel.
func (k *Kernel) ResumeThread(thread mach.Port) error {
	return krErr("thread_resume", C.thread_resume(C.thread_act_t(thread)))
}

// TerminateThread implements mach.Kernel.
func (k *Kernel) TerminateThread(thread mach.Port) error {
	return krErr("thread_terminate", C.thread_terminate(C.thread_act_t(thread)))
}

// TaskThreads implements mach.Kernel via task_threads.
func (k *Kernel) TaskThreads(task mach.Port) ([]mach.Port, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	if err := krErr("task_threads", C.task_threads(C.task_t(task), &list, &count)); err != nil {
		return nil, err
	}
	defer C.vm_deallocate(C.mach_task_self_, C.vm_address_t(uintptr(unsafe.Pointer(list))), C.vm_size_t(uintptr(count)*unsafe.Sizeof(C.thread_act_t(0))))

	out := make([]mach.Port, count)
	slice := unsafe.Slice(list, count)
	for i, t := range slice {
		out[i] = mach.Port(t)
	}
	return out, nil
}

// ThreadSuspendCount implements mach.Kernel via
// thread_info(THREAD_BASIC_INFO).
func (k *Kernel) ThreadSuspendCount(thread mach.Port) (int, error) {
	var info C.thread_basic_info_data_t
	count := C.mach_msg_type_number_t(C.THREAD_BASIC_INFO_COUNT)
	if err := krErr("thread_info", C.thread_info(C.thread_act_t(thread), C.THREAD_BASIC_INFO, C.thread_info_t(unsafe.Pointer(&info)), &count)); err != nil {
		return 0, err
	}
	return int(info.suspend_count), nil
}

// ExtractThreadSendRight implements mach.Kernel via
// mach_port_extract_right with a copy-send disposition: kernelName is
// the thread's name in task's IPC space (as a remote
// pthread_mach_thread_np call returned it), and the result is a send
// right to that thread in the controller's own space (spec §4.C step 5).
func (k *Kernel) ExtractThreadSendRight(task mach.Port, kernelName uint64) (mach.Port, error) {
	return k.PortExtractRight(task, mach.Port(kernelName), mach.DispositionCopySend)
}

// PortAllocate implements mach.Kernel via mach_port_allocate.
func (k *Kernel) PortAllocate(task mach.Port) (mach.Port, error) {
	var name C.mach_port_name_t
	t := resolveTask(task)
	if err := krErr("mach_port_allocate", C.mach_port_allocate(C.ipc_space_t(t), C.MACH_PORT_RIGHT_RECEIVE, &name)); err != nil {
		return 0, err
	}
	return mach.Port(name), nil
}

// PortInsertRight implements mach.Kernel via mach_port_insert_right.
func (k *Kernel) PortInsertRight(task mach.Port, right mach.Port, disp mach.Disposition) (mach.Port, error) {
	t := resolveTask(task)
	msgType := dispositionToMsgType(disp)
	if err := krErr("mach_port_insert_right", C.mach_port_insert_right(C.ipc_space_t(t), C.mach_port_name_t(right), C.mach_port_t(right), msgType)); err != nil {
		return 0, err
	}
	return right, nil
}

// PortExtractRight implements mach.Kernel via mach_port_extract_right.
func (k *Kernel) PortExtractRight(task mach.Port, remote mach.Port, disp mach.Disposition) (mach.Port, error) {
	t := resolveTask(task)
	var name C.mach_port_name_t
	var msgType C.mach_msg_type_name_t
	want := dispositionToMsgType(disp)
	if err := krErr("mach_port_extract_right", C.mach_port_extract_right(C.ipc_space_t(t), C.mach_port_name_t(remote), want, &name, &msgType)); err != nil {
		return 0, err
	}
	return mach.Port(name), nil
}

// PortDeallocate implements mach.Kernel via mach_port_deallocate.
func (k *Kernel) PortDeallocate(task mach.Port, port mach.Port) error {
	t := resolveTask(task)
	return krErr("mach_port_deallocate", C.mach_port_deallocate(C.ipc_space_t(t), C.mach_port_name_t(port)))
}

// VMAllocate implements mach.Kernel via mach_vm_allocate.
func (k *Kernel) VMAllocate(task mach.Port, size uint64) (mach.VMAddress, error) {
	var addr C.mach_vm_address_t
	if err := krErr("mach_vm_allocate", C.mach_vm_allocate(C.vm_map_t(task), &addr, C.mach_vm_size_t(size), C.VM_FLAGS_ANYWHERE)); err != nil {
		return 0, err
	}
	return mach.VMAddress(addr), nil
}

// VMDeallocate implements mach.Kernel via mach_vm_deallocate.
func (k *Kernel) VMDeallocate(task mach.Port, addr mach.VMAddress, size uint64) error {
	return krErr("mach_vm_deallocate", C.mach_vm_deallocate(C.vm_map_t(task), C.mach_vm_address_t(addr), C.mach_vm_size_t(size)))
}

// MapShared implements mach.Kernel via mach_vm_remap: the remote region
// is remapped into the controller's own address space at an
// unconstrained local address, then wrapped as a Go []byte via unsafe.
func (k *Kernel) MapShared(task mach.Port, addr mach.VMAddress, size uint64) ([]byte, error) {
	var localAddr C.mach_vm_address_t
	var cur, max C.vm_prot_t
	if err := krErr("mach_vm_remap", C.mach_vm_remap(
		C.mach_task_self_, &localAddr, C.mach_vm_size_t(size), 0, C.VM_FLAGS_ANYWHERE,
		C.vm_map_t(task), C.mach_vm_address_t(addr), C.boolean_t(0), &cur, &max, C.VM_INHERIT_NONE)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(localAddr))), size), nil
}

// UnmapShared implements mach.Kernel via mach_vm_deallocate on the
// controller's own remapped view.
func (k *Kernel) UnmapShared(local []byte) error {
	if len(local) == 0 {
		return nil
	}
	addr := C.mach_vm_address_t(uintptr(unsafe.Pointer(&local[0])))
	return krErr("mach_vm_deallocate (local)", C.mach_vm_deallocate(C.mach_task_self_, addr, C.mach_vm_size_t(len(local))))
}

// WriteMemory implements mach.Kernel via mach_vm_write.
func (k *Kernel) WriteMemory(task mach.Port, addr mach.VMAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return krErr("mach_vm_write", C.mach_vm_write(
		C.vm_map_t(task), C.mach_vm_address_t(addr),
		C.vm_offset_t(uintptr(unsafe.Pointer(&data[0]))), C.mach_msg_type_number_t(len(data))))
}

// ReadMemory implements mach.Kernel via mach_vm_read_overwrite, reading
// directly into a locally allocated buffer (avoiding the out-of-line
// memory mach_vm_read would otherwise hand back).
func (k *Kernel) ReadMemory(task mach.Port, addr mach.VMAddress, length int) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	var outSize C.mach_vm_size_t
	if err := krErr("mach_vm_read_overwrite", C.mach_vm_read_overwrite(
		C.vm_map_t(task), C.mach_vm_address_t(addr), C.mach_vm_size_t(length),
		C.mach_vm_address_t(uintptr(unsafe.Pointer(&buf[0]))), &outSize)); err != nil {
		return nil, err
	}
	return buf[:outSize], nil
}

// SendTaggedMessage and ReceiveTaggedMessage implement mach.Kernel via a
// minimal mach_msg round trip carrying an 8-byte tag as the message's
// sole inline payload.
type taggedMessage struct {
	header C.mach_msg_header_t
	tag    C.uint64_t
}

func (k *Kernel) SendTaggedMessage(dest mach.Port, tag uint64) error {
	var msg taggedMessage
	msg.header.msgh_bits = C.MACH_MSGH_BITS(C.MACH_MSG_TYPE_COPY_SEND, 0)
	msg.header.msgh_size = C.mach_msg_size_t(unsafe.Sizeof(msg))
	msg.header.msgh_remote_port = C.mach_port_t(dest)
	msg.tag = C.uint64_t(tag)
	kr := C.mach_msg(&msg.header, C.MACH_SEND_MSG, msg.header.msgh_size, 0, 0, C.MACH_MSG_TIMEOUT_NONE, 0)
	return krErr("mach_msg (send)", kr)
}

func (k *Kernel) ReceiveTaggedMessage(local mach.Port) (uint64, error) {
	var msg taggedMessage
	msg.header.msgh_size = C.mach_msg_size_t(unsafe.Sizeof(msg))
	msg.header.msgh_local_port = C.mach_port_t(local)
	kr := C.mach_msg(&msg.header, C.MACH_RCV_MSG, 0, msg.header.msgh_size, C.mach_port_t(local), C.MACH_MSG_TIMEOUT_NONE, 0)
	if err := krErr("mach_msg (receive)", kr); err != nil {
		return 0, err
	}
	return uint64(msg.tag), nil
}

func resolveTask(task mach.Port) mach.Port {
	if task == mach.SelfTask {
		return mach.Port(C.mach_task_self_)
	}
	return task
}

func dispositionToMsgType(disp mach.Disposition) C.mach_msg_type_name_t {
	switch disp {
	case mach.DispositionMoveSend:
		return C.MACH_MSG_TYPE_MOVE_SEND
	case mach.DispositionMoveReceive:
		return C.MACH_MSG_TYPE_MOVE_RECEIVE
	default:
		return C.MACH_MSG_TYPE_COPY_SEND
	}
}

var _ mach.Kernel = (*Kernel)(nil)
