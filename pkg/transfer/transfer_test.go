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

package transfer_test

import (
	"context"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/go-taskhook/taskhook/pkg/archdrv/linkarch"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/mach/fakekernel"
	"github.com/go-taskhook/taskhook/pkg/shmem"
	"github.com/go-taskhook/taskhook/pkg/transfer"
)

// In fakekernel the simulated "remote task" and the test process share one
// address space, so a fileport is modeled as the identity: the fd number
// itself stands in for both the remote port name and (after ExtractPort's
// identity PortExtractRight) the local one. That lets this test exercise
// real golang.org/x/sys/unix file descriptor semantics end to end instead
// of asserting against another layer of fakery.

func cstringAt(vm *fakekernel.VM, addr uint64) string {
	var b []byte
	for {
		c, err := vm.Read(addr+uint64(len(b)), 1)
		if err != nil || c[0] == 0 {
			break
		}
		b = append(b, c[0])
	}
	return string(b)
}

// TestFileOpenRoundTrip is the spec's fourth seed scenario: open
// "/dev/null" read-only in the target and extract a local descriptor.
// Writing to the local descriptor must fail with EBADF (it was opened
// O_RDONLY); reading must return 0 bytes (as /dev/null always does).
func TestFileOpenRoundTrip(t *testing.T) {
	k := fakekernel.New()
	d := linkarch.New()
	thread := k.Spawn()

	openFn := k.AllocFunc(func(args [8]uint64, vm *fakekernel.VM) uint64 {
		path := cstringAt(vm, args[0])
		fd, err := unix.Open(path, int(int32(args[1])), 0)
		if err != nil {
			return uint64(uint32(0xffffffff))
		}
		return uint64(uint32(fd))
	})
	fileportMakeFn := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 {
		return args[0]
	})

	addr, err := k.VMAllocate(1, 4096)
	if err != nil {
		t.Fatalf("VMAllocate: %v", err)
	}
	local, err := k.MapShared(1, addr, 4096)
	if err != nil {
		t.Fatalf("MapShared: %v", err)
	}
	region := &shmem.Region{Local: local, RemoteBase: uint64(addr), Size: 4096}
	arena := region.NewArena()

	const path = "/dev/null"
	pathBuf, pathAddr, err := arena.Alloc(len(path) + 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(pathBuf, path)
	pathBuf[len(path)] = 0

	c := transfer.Caller{Kernel: k, Driver: d, Task: mach.Port(1), Thread: thread, Sentinel: k.Sentinel()}

	localFD, err := transfer.OpenRemote(context.Background(), c, openFn, pathAddr, unix.O_RDONLY, fileportMakeFn)
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	defer unix.Close(localFD)

	if _, err := unix.Write(localFD, []byte("x")); err != unix.EBADF {
		t.Fatalf("Write on O_RDONLY descriptor: got %v, want EBADF", err)
	}
	buf := make([]byte, 16)
	n, err := unix.Read(localFD, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d bytes from /dev/null, want 0", n)
	}
}
