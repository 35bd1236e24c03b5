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

// Package acquire implements thread acquisition and lifecycle (spec
// §4.C): deciding how to obtain a usable execution vehicle in the
// target task, and recording what its tear-down obligations are.
// Modeled on the attach/create dance in the teacher's ptrace subprocess
// implementation, retargeted from "fork a local stub" to "select or
// spawn a Mach thread in an already-running remote task".
package acquire

import (
	"context"
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/go-taskhook/taskhook/pkg/kerr"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/tlog"
)

var log = tlog.For("acquire")

// PolicyFlags is the bitset from spec §3/§6 governing a thread's
// lifecycle at tear-down.
type PolicyFlags uint8

const (
	// Suspend suspends the thread on entry.
	Suspend PolicyFlags = 1 << iota
	// Preserve snapshots register state on entry and restores it at
	// tear-down.
	Preserve
	// Resume resumes the thread at tear-down.
	Resume
	// KillThread terminates the thread at tear-down.
	KillThread
	// KillTask means the task is doomed; remote cleanup that would
	// otherwise be required is skipped.
	KillTask
)

func (f PolicyFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  PolicyFlags
		name string
	}{
		{Suspend, "SUSPEND"}, {Preserve, "PRESERVE"}, {Resume, "RESUME"},
		{KillThread, "KILL_THREAD"}, {KillTask, "KILL_TASK"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

// Has reports whether all bits in want are set in f.
func (f PolicyFlags) Has(want PolicyFlags) bool { return f&want == want }

// Validate enforces the mutual-exclusion invariant of spec §3: KILL_TASK
// is exclusive with every per-thread restoration flag, since a doomed
// task makes thread-level restoration meaningless.
func Validate(flags PolicyFlags) error {
	perThread := Suspend | Preserve | Resume | KillThread
	if flags.Has(KillTask) && flags&perThread != 0 {
		return kerr.New(kerr.KindAcquisition, "acquire.Validate",
			fmt.Errorf("KILL_TASK is mutually exclusive with %v, got %v", perThread, flags))
	}
	return nil
}

// Path names which of the three acquisition strategies produced a
// Selection (spec §3: "exactly one of the three acquisition paths
// initialized the handle").
type Path int

const (
	PathDirect Path = iota
	PathHijackConsume
	PathHijackBootstrapSpawn
)

func (p Path) String() string {
	switch p {
	case PathDirect:
		return "direct"
	case PathHijackConsume:
		return "hijack-consume"
	case PathHijackBootstrapSpawn:
		return "hijack-bootstrap-spawn"
	default:
		return "unknown"
	}
}

// Selection is the result of acquiring an execution vehicle: the thread
// to drive, the tear-down obligations that apply to it, and (if
// PRESERVE is set) the register snapshot to restore at tear-down.
type Selection struct {
	Thread    mach.Port
	Flags     PolicyFlags
	Path      Path
	Preserved *mach.ThreadState
}

// Direct wraps a caller-supplied thread verbatim (spec §4.C decision
// table, row 1): its lifetime is governed entirely by the caller's
// flags, acquire does nothing else to it.
func Direct(thread mach.Port, flags PolicyFlags) (*Selection, error) {
	if thread == mach.NullPort {
		return nil, kerr.New(kerr.KindAcquisition, "acquire.Direct", fmt.Errorf("null thread port"))
	}
	if err := Validate(flags); err != nil {
		return nil, err
	}
	log.WithField("thread", thread).WithField("flags", flags).Info("direct thread acquisition")
	return &Selection{Thread: thread, Flags: flags, Path: PathDirect}, nil
}

// selectRunnableThread enumerates task's threads and returns the
// newest one with a zero suspend count (spec §4.C "Thread selection").
// TaskThreads is documented to return threads oldest-first, so this
// walks the slice in reverse.
func selectRunnableThread(k mach.Kernel, task mach.Port) (mach.Port, error) {
	threads, err := k.TaskThreads(task)
	if err != nil {
		return 0, fmt.Errorf("task_threads: %w", err)
	}
	for i := len(threads) - 1; i >= 0; i-- {
		count, err := k.ThreadSuspendCount(threads[i])
		if err != nil {
			log.WithField("thread", threads[i]).WithError(err).Warn("could not read suspend count, skipping candidate")
			continue
		}
		if count == 0 {
			return threads[i], nil
		}
	}
	return 0, fmt.Errorf("no runnable thread found among %d candidates", len(threads))
}

// HijackConsume enumerates threads in task and permanently takes over
// the first runnable one (spec §4.C decision table, row 2), leaving it
// suspended for the call driver. Only valid
// when the caller intends KILL_TASK: the thread dies with the task, so
// no restoration is ever performed.
func HijackConsume(k mach.Kernel, task mach.Port) (*Selection, error) {
	thread, err := selectRunnableThread(k, task)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, "acquire.HijackConsume", err)
	}
	if err := k.SuspendThread(thread); err != nil {
		return nil, kerr.New(kerr.KindAcquisition, "acquire.HijackConsume", fmt.Errorf("suspend thread %d: %w", thread, err))
	}
	log.WithField("task", task).WithField("thread", thread).Info("hijack-consume thread acquisition")
	return &Selection{Thread: thread, Flags: KillTask, Path: PathHijackConsume}, nil
}

// Staged is the subset of a staged handle's resources the
// hijack-bootstrap-spawn path needs to run the genuinely remote calls
// it requires (steps 3 and 4 on H, step 8 TLS setup on the new thread):
// a remote stack to run from, and a way to drive a register-only call
// to completion. Supplied by
// the caller (pkg/handle), which owns the real archdrv.Driver and the
// staged shared-memory region; acquire never imports either.
type Staged interface {
	// StackTop is the top (highest address) of a remote stack region
	// the spawned thread may use.
	StackTop() uint64
	// FastCall runs a register-only remote call to completion, exactly
	// like callmarshal.FastCall, on the given thread.
	FastCall(ctx context.Context, thread mach.Port, fn uint64, args []uint64, resultWidth int) (uint64, error)
}

// HijackBootstrapSpawn implements spec §4.C's eight-step dance: pick and
// preserve an existing thread H, drive H to call the target's own
// thread-creation primitive (e.g. pthread_create_suspended_np) with an
// innocuous entry point, drive H again to translate the new thread's
// user-level identity into its kernel name, recover a local send right
// to it, restore and release H, and initialize the new thread's
// thread-local-storage pointer by invoking the platform's "set self"
// hook on it remotely.
//
// Steps 3 and 4 must run as genuine remote calls on H rather than as
// direct controller-side kernel traps: a freshly trap-created thread has
// no pthread/TSD structures, so only code actually running inside the
// target (via pthread_create_suspended_np) produces a thread later
// remote calls can safely target. createThreadFn and translateThreadFn
// are the addresses of those two primitives as seen by the target.
//
// createEntry is the address of the innocuous entry point (a function
// that terminates its own thread if ever resumed prematurely, e.g. a
// thin wrapper around thread_terminate(mach_thread_self())). setSelfFn
// is the remote "set self" TLS hook, called with the new thread's
// user-level identity (the value createThreadFn returned) as its sole
// argument, mirroring _pthread_set_self(pthread_t).
func HijackBootstrapSpawn(ctx context.Context, k mach.Kernel, task mach.Port, staged Staged, createThreadFn, translateThreadFn, setSelfFn, createEntry uint64) (*Selection, error) {
	const op = "acquire.HijackBootstrapSpawn"

	// Step 1: pick candidate H, acquire PRESERVE|SUSPEND|RESUME.
	candidate, err := selectRunnableThread(k, task)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, err)
	}
	if err := k.SuspendThread(candidate); err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("suspend candidate %d: %w", candidate, err))
	}
	preserved, err := k.GetThreadState(candidate)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("preserve candidate %d state: %w", candidate, err))
	}
	preservedCopy, _ := deepcopy.Copy(preserved).(mach.ThreadState)
	log.WithField("candidate", candidate).Info("preserved candidate thread state for hijack-bootstrap-spawn")

	// Step 2: full port/memory staging is assumed already performed by
	// the caller on task (it is task-wide, not thread-specific) before
	// this function is called; staged exposes exactly the slice of it
	// this path needs.

	// Step 3: through H, invoke the target's thread-creation primitive
	// with the innocuous entry point. The result is the new thread's
	// user-level identity (a pthread_t), not yet a Mach name.
	createdID, err := staged.FastCall(ctx, candidate, createThreadFn, []uint64{createEntry}, 8)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("create_thread: %w", err))
	}

	// Step 4: through H, translate that identity into its kernel name.
	// The name only exists in task's own IPC namespace until extracted.
	kernelName, err := staged.FastCall(ctx, candidate, translateThreadFn, []uint64{createdID}, 8)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("translate new thread name: %w", err))
	}

	// Step 5: recover a local send right to the new thread. Unlike
	// steps 3-4, this is a legitimate direct kernel operation: it only
	// reaches into task's IPC namespace from the controller's side and
	// runs no code in the target.
	sendRight, err := k.ExtractThreadSendRight(task, kernelName)
	if err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("extract new thread send right: %w", err))
	}

	// Step 6: restore and resume H.
	if err := k.SetThreadState(candidate, preservedCopy); err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("restore candidate %d: %w", candidate, err))
	}
	if err := k.ResumeThread(candidate); err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("resume candidate %d: %w", candidate, err))
	}

	// Step 7: substitute the new thread for H. The spawned thread is
	// always owned outright: it is killed at tear-down regardless of
	// what flags the caller originally asked for on H (spec §4.C
	// decision table: "spawned thread is killed at tear-down").
	sel := &Selection{Thread: sendRight, Flags: KillThread, Path: PathHijackBootstrapSpawn}

	// Step 8: initialize the new thread's TLS pointer, through the new
	// thread itself, so subsequent remote calls on it see a valid
	// thread-local environment. Takes the same user-level identity step
	// 3 produced, mirroring _pthread_set_self(pthread_t).
	if _, err := staged.FastCall(ctx, sendRight, setSelfFn, []uint64{createdID}, 8); err != nil {
		return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("remote TLS setup: %w", err))
	}

	log.WithField("task", task).WithField("new_thread", sendRight).Info("hijack-bootstrap-spawn thread acquisition complete")
	return sel, nil
}
