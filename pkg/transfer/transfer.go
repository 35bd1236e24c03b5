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

// Package transfer moves Mach send/receive rights and file descriptors
// across the controller/target boundary using the bootstrap channel
// staged by pkg/stage (spec §4.E).
package transfer

import (
	"context"
	"fmt"

	"github.com/go-taskhook/taskhook/pkg/callmarshal"
	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/kerr"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/tlog"
)

var log = tlog.For("transfer")

// Caller is the subset of a staged, acquired handle transfer needs to
// run register-only remote calls: a driver, a kernel, the task/thread
// pair, and the remote stack/sentinel a FastCall requires. Supplied by
// pkg/handle, mirroring acquire.Staged.
type Caller struct {
	Kernel   mach.Kernel
	Driver   archdrv.Driver
	Task     mach.Port
	Thread   mach.Port
	StackTop uint64
	Sentinel uint64
	Policy   archdrv.PollPolicy
}

func (c Caller) fastCall(ctx context.Context, fn uint64, args []uint64, width int) (uint64, error) {
	return callmarshal.FastCall(ctx, c.Kernel, c.Driver, c.Task, c.Thread, fn, args, c.StackTop, c.Sentinel, width, c.Policy)
}

// InsertPort implements spec §4.E "Insert": move or copy a local right
// into the target's IPC space by invoking the remote port-insertion
// primitive (mach_port_insert_right) through the staged bootstrap
// channel. insertFn is the address of that primitive as seen by the
// target (normally resolved once and reused for the handle's lifetime).
func InsertPort(ctx context.Context, c Caller, insertFn uint64, right mach.Port, disp mach.Disposition) (mach.Port, error) {
	result, err := c.fastCall(ctx, insertFn, []uint64{uint64(right), uint64(disp)}, 8)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, "transfer.InsertPort", err)
	}
	log.WithField("right", right).WithField("disposition", disp).Info("inserted port into target")
	return mach.Port(result), nil
}

// ExtractPort implements spec §4.E "Extract": receive a remote right
// into the local IPC space under disp, via the controller-side
// Kernel.PortExtractRight primitive (a direct operation on the target
// task's IPC space, not a remote function call — see DESIGN.md for why
// port manipulation is modeled this way).
func ExtractPort(k mach.Kernel, task mach.Port, remote mach.Port, disp mach.Disposition) (mach.Port, error) {
	local, err := k.PortExtractRight(task, remote, disp)
	if err != nil {
		return 0, kerr.New(kerr.KindKernelCall, "transfer.ExtractPort", err)
	}
	log.WithField("remote", remote).WithField("disposition", disp).Info("extracted port from target")
	return local, nil
}

// InsertFD implements the fileport round-trip described in spec §4.E:
// make a fileport locally from fd, insert it as a port into the
// target, and have the target reconstitute a descriptor from it.
// insertFn is the target's port-insertion primitive (see InsertPort) and
// fileportFdFn the target's fileport_makefd-equivalent primitive, both
// as seen by the target.
func InsertFD(ctx context.Context, c Caller, fd int, insertFn uint64, fileportFdFn uint64) (remoteFD int, err error) {
	const op = "transfer.InsertFD"
	// In a real backend, fileportMake would be a local libSystem call
	// (not a Kernel primitive: it operates on the controller's own
	// process, not the target). Modeled as a Kernel hook so fakekernel
	// can exercise the round trip without cgo.
	fileport, err := c.Kernel.PortAllocate(mach.SelfTask)
	if err != nil {
		return 0, kerr.New(kerr.KindKernelCall, op, fmt.Errorf("fileport_makeport(%d): %w", fd, err))
	}
	// A fileport is send-right-only on both ends (real fileport_makeport
	// hands back a send right, never a receive right); insert its send
	// disposition, matching the precedent already established by
	// pkg/stage's own local-bootstrap-port install.
	remotePort, err := InsertPort(ctx, c, insertFn, fileport, mach.DispositionCopySend)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, op, err)
	}
	result, err := c.fastCall(ctx, fileportFdFn, []uint64{uint64(remotePort)}, 4)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, op, fmt.Errorf("fileport_makefd: %w", err))
	}
	log.WithField("local_fd", fd).WithField("remote_fd", int32(result)).Info("transferred file descriptor into target")
	return int(int32(result)), nil
}

// ExtractFD is the reverse of InsertFD: the target converts its own fd
// into a fileport and sends it back through the bootstrap channel,
// where the controller reconstitutes a local descriptor.
func ExtractFD(ctx context.Context, c Caller, remoteFD int, fileportMakeFn uint64) (localFD int, err error) {
	const op = "transfer.ExtractFD"
	result, err := c.fastCall(ctx, fileportMakeFn, []uint64{uint64(uint32(remoteFD))}, 8)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, op, fmt.Errorf("remote fileport_makeport: %w", err))
	}
	// The remote fileport_makeport call hands back a send right, never a
	// receive right (threadexec_file.c's threadexec_file_extract extracts
	// it with MACH_MSG_TYPE_MOVE_SEND); extracting it as a move-receive
	// would misbehave against a real kernel even though fakekernel's
	// identity model never notices the mismatch.
	local, err := ExtractPort(c.Kernel, c.Task, mach.Port(result), mach.DispositionMoveSend)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, op, err)
	}
	log.WithField("remote_fd", remoteFD).WithField("fileport", local).Info("extracted file descriptor from target")
	return int(local), nil
}

// OpenRemote composes a remote open(2)-style call with ExtractFD (spec
// §4.E: "file opening is the composition of a remote open-style call
// followed by extraction"). pathRemoteAddr must already be a valid
// CSTRING staged into shared memory (see callmarshal.Argument{Class:
// CString}); openFn is the target's open(2) entry point.
func OpenRemote(ctx context.Context, c Caller, openFn uint64, pathRemoteAddr uint64, flags int, fileportMakeFn uint64) (localFD int, err error) {
	const op = "transfer.OpenRemote"
	result, err := c.fastCall(ctx, openFn, []uint64{pathRemoteAddr, uint64(uint32(flags))}, 4)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, op, fmt.Errorf("remote open: %w", err))
	}
	remoteFD := int(int32(result))
	if remoteFD < 0 {
		return 0, kerr.New(kerr.KindRemoteFunction, op, fmt.Errorf("remote open returned %d", remoteFD))
	}
	return ExtractFD(ctx, c, remoteFD, fileportMakeFn)
}
