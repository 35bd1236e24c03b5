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

package handle_test

import (
	"context"
	"testing"

	"github.com/go-taskhook/taskhook/pkg/acquire"
	"github.com/go-taskhook/taskhook/pkg/archdrv/linkarch"
	"github.com/go-taskhook/taskhook/pkg/callmarshal"
	"github.com/go-taskhook/taskhook/pkg/config"
	"github.com/go-taskhook/taskhook/pkg/handle"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/mach/fakekernel"
)

func addFunc(args [8]uint64, _ *fakekernel.VM) uint64 { return args[0] + args[1] }

// TestHijackConsumeLifecycle is the spec's fifth seed case: construct a
// handle with no supplied thread and KILL_TASK set, drive one call,
// destroy it, and confirm the task-doomed teardown path runs cleanly
// with no error, leaving the handle torn down and idempotent to
// destroy again.
func TestHijackConsumeLifecycle(t *testing.T) {
	ctx := context.Background()
	k := fakekernel.New()
	thread := k.Spawn()
	fn := k.AllocFunc(addFunc)

	h, err := handle.New(ctx, k, linkarch.New(), config.Default(), mach.Port(1), mach.NullPort, acquire.KillTask, handle.Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Path() != acquire.PathHijackConsume {
		t.Fatalf("got path %v, want %v", h.Path(), acquire.PathHijackConsume)
	}
	if h.ThreadLocal() != thread {
		t.Fatalf("got thread %v, want the only spawned thread %v", h.ThreadLocal(), thread)
	}
	if h.State() != handle.StateReady {
		t.Fatalf("got state %v, want ready", h.State())
	}

	result, err := h.Call(ctx, fn, []callmarshal.Argument{
		{Class: callmarshal.Literal, Literal: 7},
		{Class: callmarshal.Literal, Literal: 35},
	}, 8)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 42 {
		t.Fatalf("got %d, want 42", result)
	}
	if h.State() != handle.StateReady {
		t.Fatalf("handle did not return to ready after a successful call, got %v", h.State())
	}

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if h.State() != handle.StateTornDown {
		t.Fatalf("got state %v after Destroy, want torn-down", h.State())
	}
	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy should be a no-op, got: %v", err)
	}
}

// TestDirectAcquisitionPreservesState constructs a handle over a
// caller-supplied thread with PRESERVE set, runs a call that mutates
// the fake thread's register file, and checks that Destroy restores it.
func TestDirectAcquisitionPreservesState(t *testing.T) {
	ctx := context.Background()
	k := fakekernel.New()
	thread := k.Spawn()
	fn := k.AllocFunc(addFunc)

	original, err := k.GetThreadState(thread)
	if err != nil {
		t.Fatalf("GetThreadState: %v", err)
	}
	original.Args[3] = 0xdeadbeef
	if err := k.SetThreadState(thread, original); err != nil {
		t.Fatalf("SetThreadState: %v", err)
	}

	flags := acquire.Suspend | acquire.Preserve | acquire.Resume
	h, err := handle.New(ctx, k, linkarch.New(), config.Default(), mach.Port(1), thread, flags, handle.Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Path() != acquire.PathDirect {
		t.Fatalf("got path %v, want %v", h.Path(), acquire.PathDirect)
	}

	if _, err := h.Call(ctx, fn, []callmarshal.Argument{
		{Class: callmarshal.Literal, Literal: 1},
		{Class: callmarshal.Literal, Literal: 2},
	}, 8); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	restored, err := k.GetThreadState(thread)
	if err != nil {
		t.Fatalf("GetThreadState after Destroy: %v", err)
	}
	if restored.Args[3] != 0xdeadbeef {
		t.Fatalf("preserved register not restored: got %#x, want %#x", restored.Args[3], uint64(0xdeadbeef))
	}
}

// TestHijackBootstrapSpawnLifecycle covers the third acquisition path: no
// supplied thread and no KILL_TASK, so New must fall through to the
// default acquisition path (acquire.HijackBootstrapSpawn), driving the
// create-thread and translate-name steps as remote calls on an existing
// candidate thread before substituting the newly spawned thread in.
func TestHijackBootstrapSpawnLifecycle(t *testing.T) {
	ctx := context.Background()
	k := fakekernel.New()
	k.Spawn() // the candidate thread H the hijack path preserves and reuses
	fn := k.AllocFunc(addFunc)

	createEntry := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 { return 0 })
	createThreadFn := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 {
		return k.SpawnFromFunc(args[0], 0)
	})
	translateThreadFn := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 { return args[0] })
	setSelfFn := k.AllocFunc(func(args [8]uint64, _ *fakekernel.VM) uint64 { return 0 })

	h, err := handle.New(ctx, k, linkarch.New(), config.Default(), mach.Port(1), mach.NullPort, acquire.Suspend, handle.Hooks{
		HijackCreateEntry:       createEntry,
		HijackCreateThreadFn:    createThreadFn,
		HijackTranslateThreadFn: translateThreadFn,
		HijackSetSelfFn:         setSelfFn,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Path() != acquire.PathHijackBootstrapSpawn {
		t.Fatalf("got path %v, want %v", h.Path(), acquire.PathHijackBootstrapSpawn)
	}

	result, err := h.Call(ctx, fn, []callmarshal.Argument{
		{Class: callmarshal.Literal, Literal: 7},
		{Class: callmarshal.Literal, Literal: 35},
	}, 8)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 42 {
		t.Fatalf("got %d, want 42", result)
	}

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if h.State() != handle.StateTornDown {
		t.Fatalf("got state %v after Destroy, want torn-down", h.State())
	}
}

// TestCallInFlightRejected checks Call's misuse guard: a caller that
// fails to serialize calls against one handle gets ErrCallInFlight
// rather than silent corruption or a deadlock.
func TestCallInFlightRejected(t *testing.T) {
	ctx := context.Background()
	k := fakekernel.New()
	k.Spawn()

	h, err := handle.New(ctx, k, linkarch.New(), config.Default(), mach.Port(1), mach.NullPort, acquire.KillTask, handle.Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Destroy(ctx)

	h.TestForceInCall()
	_, err = h.Call(ctx, 0, nil, 8)
	if err == nil {
		t.Fatal("expected ErrCallInFlight-wrapping error, got nil")
	}
}
