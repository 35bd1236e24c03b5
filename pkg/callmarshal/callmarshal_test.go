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

package callmarshal_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/archdrv/linkarch"
	"github.com/go-taskhook/taskhook/pkg/archdrv/stackarch"
	"github.com/go-taskhook/taskhook/pkg/callmarshal"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/mach/fakekernel"
	"github.com/go-taskhook/taskhook/pkg/shmem"
)

func newFastRequest(k *fakekernel.Kernel, d archdrv.Driver, thread mach.Port, fn uint64, args []uint64, width int) callmarshal.Request {
	litArgs := make([]callmarshal.Argument, len(args))
	for i, v := range args {
		litArgs[i] = callmarshal.Argument{Class: callmarshal.Literal, Literal: v}
	}
	return callmarshal.Request{
		Task: 1, Thread: thread, Fn: fn, Args: litArgs, ResultWidth: width,
		StackTop: 0, Sentinel: k.Sentinel(),
	}
}

// TestIntegerAdd is the spec's first seed case: a two-argument literal
// call, a=7, b=35, result 42, run against both architecture drivers
// since neither cares about the host's real GOARCH.
func TestIntegerAdd(t *testing.T) {
	for _, d := range []archdrv.Driver{linkarch.New(), stackarch.New()} {
		t.Run(d.Kind().String(), func(t *testing.T) {
			k := fakekernel.New()
			thread := k.Spawn()
			fn := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 {
				return args[0] + args[1]
			})

			req := newFastRequest(k, d, thread, fn, []uint64{7, 35}, 8)
			// The register-and-stack driver pushes its return address, so
			// it needs a mapped stack even with no overflow arguments.
			req.StackTop = k.VM().Alloc(4096) + 4096
			result, err := callmarshal.Call(context.Background(), k, d, req)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if result != 42 {
				t.Fatalf("got %d, want 42", result)
			}
		})
	}
}

// TestCStringStrlen exercises the CSTRING argument class: the callee
// reads a NUL-terminated buffer out of shared memory and returns its
// length, mirroring calling strlen(3) on a staged string.
func TestCStringStrlen(t *testing.T) {
	k := fakekernel.New()
	d := linkarch.New()
	thread := k.Spawn()
	fn := k.AllocFunc(func(args [8]uint64, vm *fakekernel.VM) uint64 {
		var n uint64
		for {
			b, err := vm.Read(args[0]+n, 1)
			if err != nil || b[0] == 0 {
				break
			}
			n++
		}
		return n
	})

	region := stageRegion(t, k, 4096)
	req := callmarshal.Request{
		Task: 1, Thread: thread, Fn: fn,
		Args:        []callmarshal.Argument{{Class: callmarshal.CString, In: []byte("abcdef")}},
		ResultWidth: 8,
		StackTop:    0, Sentinel: k.Sentinel(),
		Region: region,
	}
	result, err := callmarshal.Call(context.Background(), k, d, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 6 {
		t.Fatalf("got %d, want 6", result)
	}
}

// TestOutputBufferMemset exercises the OUTPUT_BUFFER class: the callee
// fills a buffer with a fixed byte and the marshaller copies it back
// into caller storage.
func TestOutputBufferMemset(t *testing.T) {
	k := fakekernel.New()
	d := linkarch.New()
	thread := k.Spawn()
	const fillByte = 0xA5
	fn := k.AllocFunc(func(args [8]uint64, vm *fakekernel.VM) uint64 {
		n := args[1]
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = fillByte
		}
		if err := vm.Write(args[0], buf); err != nil {
			return 1
		}
		return 0
	})

	region := stageRegion(t, k, 4096)
	out := make([]byte, 16)
	req := callmarshal.Request{
		Task: 1, Thread: thread, Fn: fn,
		Args: []callmarshal.Argument{
			{Class: callmarshal.OutputBuffer, Out: out},
			{Class: callmarshal.Literal, Literal: uint64(len(out))},
		},
		ResultWidth: 8,
		StackTop:    0, Sentinel: k.Sentinel(),
		Region: region,
	}
	result, err := callmarshal.Call(context.Background(), k, d, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 0 {
		t.Fatalf("callee reported failure: %d", result)
	}
	want := bytes.Repeat([]byte{fillByte}, 16)
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x, want %x", out, want)
	}
}

// TestStackSumNineArgs drives a 9-argument call through stackarch,
// exceeding its 6-register argument count by 3 and forcing an overflow
// spill to the remote stack (spec §4.D slot assignment). The callee
// recomputes the overflow layout the same way stackarch.PrepareCall
// does, since a real target function would receive those arguments via
// ordinary SP-relative addressing.
func TestStackSumNineArgs(t *testing.T) {
	const registerArgCount = 6
	k := fakekernel.New()
	d := stackarch.New()
	thread := k.Spawn()

	stackBase := k.VM().Alloc(4096)
	stackTop := stackBase + 4096

	args := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	overflow := args[registerArgCount:]
	n := uint64(len(overflow))
	wantArgRegion := stackTop - n*8
	wantArgRegion &^= 0xf
	if wantArgRegion&0xf != 0 {
		t.Fatalf("overflow argument region %#x is not 16-byte aligned", wantArgRegion)
	}

	fn := k.AllocFunc(func(regs [8]uint64, vm *fakekernel.VM) uint64 {
		sum := uint64(0)
		for i := 0; i < registerArgCount; i++ {
			sum += regs[i]
		}
		for i := uint64(0); i < n; i++ {
			b, err := vm.Read(wantArgRegion+i*8, 8)
			if err != nil {
				return 0
			}
			sum += mach.Uint64(b)
		}
		return sum
	})

	req := newFastRequest(k, d, thread, fn, args, 8)
	req.StackTop = stackTop
	result, err := callmarshal.Call(context.Background(), k, d, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 45 {
		t.Fatalf("got %d, want 45", result)
	}

	// The return address written just below the argument region must
	// also respect System V's 16-byte-aligned-at-call-boundary rule:
	// SP+8 (i.e. the argument region start) is 16-byte aligned.
	if (wantArgRegion)%16 != 0 {
		t.Fatalf("argument region %#x violates 16-byte alignment", wantArgRegion)
	}
}

// TestInoutBufferRoundTrip exercises the INOUT_BUFFER class: spec §8's
// identity round-trip invariant, that the post-call local bytes equal
// the pre-call local bytes when the callee leaves the buffer untouched.
// The callee also verifies it actually received the staged input (not
// zeroed or garbage memory), catching a broken copy-in independently of
// the copy-back this test primarily checks.
func TestInoutBufferRoundTrip(t *testing.T) {
	k := fakekernel.New()
	d := linkarch.New()
	thread := k.Spawn()
	want := []byte("roundtrip")
	fn := k.AllocFunc(func(args [8]uint64, vm *fakekernel.VM) uint64 {
		b, err := vm.Read(args[0], len(want))
		if err != nil || !bytes.Equal(b, want) {
			return 1
		}
		return 0
	})

	region := stageRegion(t, k, 4096)
	in := append([]byte(nil), want...)
	out := make([]byte, len(want))
	req := callmarshal.Request{
		Task: 1, Thread: thread, Fn: fn,
		Args:        []callmarshal.Argument{{Class: callmarshal.InoutBuffer, In: in, Out: out}},
		ResultWidth: 8,
		StackTop:    0, Sentinel: k.Sentinel(),
		Region: region,
	}
	result, err := callmarshal.Call(context.Background(), k, d, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 0 {
		t.Fatalf("callee did not see the staged input, got code %d", result)
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("post-call bytes %q != pre-call bytes %q", out, want)
	}
}

func stageRegion(t *testing.T, k *fakekernel.Kernel, size uint64) *shmem.Region {
	t.Helper()
	addr, err := k.VMAllocate(1, size)
	if err != nil {
		t.Fatalf("VMAllocate: %v", err)
	}
	local, err := k.MapShared(1, addr, size)
	if err != nil {
		t.Fatalf("MapShared: %v", err)
	}
	return &shmem.Region{Local: local, RemoteBase: uint64(addr), Size: size}
}
