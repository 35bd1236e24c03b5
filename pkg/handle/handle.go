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

// Package handle ties components A-E together into the execution
// handle the rest of the spec is written against (spec §3, §5, §6):
// construction chooses an acquisition path and stages ports/memory,
// Call drives one synchronous remote invocation at a time, and Destroy
// tears everything down in strict reverse order.
package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/go-taskhook/taskhook/pkg/acquire"
	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/callmarshal"
	"github.com/go-taskhook/taskhook/pkg/config"
	"github.com/go-taskhook/taskhook/pkg/gadget"
	"github.com/go-taskhook/taskhook/pkg/kerr"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/stage"
	"github.com/go-taskhook/taskhook/pkg/tlog"
	"github.com/go-taskhook/taskhook/pkg/transfer"
)

var log = tlog.For("handle")

// State is the handle lifecycle of spec §3: "READY, IN_CALL, TORN_DOWN".
type State int

const (
	StateReady State = iota
	StateInCall
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInCall:
		return "in-call"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// ErrCallInFlight is returned by Call when the caller fails to
// serialize calls against one handle (spec §5: "callers must serialize").
var ErrCallInFlight = fmt.Errorf("handle: a call is already in flight")

// Hooks supplies the addresses handle construction needs to reach into
// the target for gadget discovery and the hijack-bootstrap-spawn
// acquisition path; see spec §4.A and §4.C. Only the fields relevant to
// the chosen archdrv.Driver.Kind and acquisition path need be set.
type Hooks struct {
	// GadgetAnchor is a known-mapped code address to start the
	// register-and-stack gadget scan from (spec §4.A).
	GadgetAnchor uint64
	// HijackCreateEntry is the innocuous entry point given to a newly
	// spawned thread in the hijack-bootstrap-spawn path.
	HijackCreateEntry uint64
	// HijackCreateThreadFn and HijackTranslateThreadFn are the target's
	// thread-creation and name-translation primitives (spec §4.C steps
	// 3-4), invoked remotely through the already-acquired candidate
	// thread rather than called directly against the kernel.
	HijackCreateThreadFn    uint64
	HijackTranslateThreadFn uint64
	// HijackSetSelfFn is the remote "set self" TLS-initialization hook,
	// called with the new thread's identity as its sole argument.
	HijackSetSelfFn uint64
}

// Handle is the opaque execution handle of spec §3.
type Handle struct {
	k      mach.Kernel
	driver archdrv.Driver
	cfg    config.Config
	id     uuid.UUID

	taskLocal  mach.Port
	taskRemote mach.Port

	threadLocal  mach.Port
	threadRemote mach.Port

	bootstrap *stage.Result
	sentinel  uint64
	stackTop  uint64

	flags     acquire.PolicyFlags
	path      acquire.Path
	preserved *mach.ThreadState

	sem *semaphore.Weighted

	mu    sync.Mutex
	state State
}

// New constructs a handle: it stages ports and shared memory on task
// first (staging touches only the task, never a thread), then acquires
// an execution vehicle — direct, hijack-consume, or hijack-bootstrap-
// spawn, chosen by the decision table in spec §4.C from whether
// suppliedThread is set and whether flags requests KILL_TASK. This
// order (stage before acquire) is the opposite of the narrative order
// in spec §2, made necessary by hijack-bootstrap-spawn's own TLS-setup
// step needing a staged stack to run on; see DESIGN.md.
func New(ctx context.Context, k mach.Kernel, d archdrv.Driver, cfg config.Config, task mach.Port, suppliedThread mach.Port, flags acquire.PolicyFlags, hooks Hooks) (h *Handle, err error) {
	const op = "handle.New"
	if err := acquire.Validate(flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, kerr.New(kerr.KindStaging, op, err)
	}

	id := uuid.New()
	log.WithField("correlation_id", id).WithField("task", task).Info("constructing handle")

	staged, err := stage.Stage(k, task, uint64(cfg.ShmemSize))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			skipRemote := flags.Has(acquire.KillTask)
			if uerr := stage.Unstage(k, task, staged, skipRemote); uerr != nil {
				log.WithField("correlation_id", id).WithError(uerr).Warn("unstage during failed construction also failed")
			}
		}
	}()

	h = &Handle{
		k: k, driver: d, cfg: cfg, id: id,
		taskLocal: task,
		bootstrap: staged,
		sem:       semaphore.NewWeighted(1),
		state:     StateInCall, // not READY until acquisition also succeeds
	}
	h.stackTop = staged.Region.RemoteBase + staged.Region.Size

	if err = h.installSentinel(task, hooks); err != nil {
		return nil, err
	}

	var sel *acquire.Selection
	switch {
	case suppliedThread != mach.NullPort:
		sel, err = acquire.Direct(suppliedThread, flags)
	case flags.Has(acquire.KillTask):
		sel, err = acquire.HijackConsume(k, task)
	default:
		sel, err = acquire.HijackBootstrapSpawn(ctx, k, task, h, hooks.HijackCreateThreadFn, hooks.HijackTranslateThreadFn, hooks.HijackSetSelfFn, hooks.HijackCreateEntry)
	}
	if err != nil {
		return nil, err
	}
	// SUSPEND and PRESERVE take effect on entry for a supplied thread.
	if sel.Path == acquire.PathDirect && sel.Flags.Has(acquire.Suspend) {
		if err = k.SuspendThread(sel.Thread); err != nil {
			return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("suspend supplied thread: %w", err))
		}
	}
	if sel.Path == acquire.PathDirect && sel.Flags.Has(acquire.Preserve) {
		st, gerr := k.GetThreadState(sel.Thread)
		if gerr != nil {
			return nil, kerr.New(kerr.KindAcquisition, op, fmt.Errorf("preserve supplied thread state: %w", gerr))
		}
		sel.Preserved = &st
	}

	h.threadLocal = sel.Thread
	h.flags = sel.Flags
	h.path = sel.Path
	h.preserved = sel.Preserved

	if tr, terr := k.PortInsertRight(task, task, mach.DispositionCopySend); terr == nil {
		h.taskRemote = tr
	} else {
		log.WithField("correlation_id", id).WithError(terr).Warn("could not install target_task_remote self-reference")
	}
	if tr, terr := k.PortInsertRight(task, h.threadLocal, mach.DispositionCopySend); terr == nil {
		h.threadRemote = tr
	} else {
		log.WithField("correlation_id", id).WithError(terr).Warn("could not install target_thread_remote self-reference")
	}

	h.state = StateReady
	log.WithField("correlation_id", id).WithField("path", h.path).WithField("thread", h.threadLocal).Info("handle ready")
	return h, nil
}

func (h *Handle) installSentinel(task mach.Port, hooks Hooks) error {
	switch h.driver.Kind() {
	case archdrv.StackReturn:
		cacher, ok := h.driver.(archdrv.GadgetCacher)
		if !ok {
			return kerr.New(kerr.KindCall, "handle.installSentinel", fmt.Errorf("%T does not implement GadgetCacher", h.driver))
		}
		bound := h.cfg.GadgetScanBound
		addr, err := cacher.GadgetCache().Get(h.k, task, hooks.GadgetAnchor, bound)
		if err != nil {
			return kerr.New(kerr.KindCall, "handle.installSentinel", fmt.Errorf("gadget discovery: %w", err))
		}
		h.sentinel = addr
	case archdrv.LinkReturn:
		arena := h.bootstrap.Region.NewArena()
		_, remoteAddr, err := arena.Alloc(4)
		if err != nil {
			return kerr.New(kerr.KindStaging, "handle.installSentinel", err)
		}
		if err := gadget.WriteLinkTrampoline(h.k, task, remoteAddr); err != nil {
			return kerr.New(kerr.KindStaging, "handle.installSentinel", err)
		}
		h.sentinel = remoteAddr
	default:
		return kerr.New(kerr.KindCall, "handle.installSentinel", fmt.Errorf("unknown architecture kind %v", h.driver.Kind()))
	}
	return nil
}

func (h *Handle) pollPolicy() archdrv.PollPolicy {
	return archdrv.PollPolicy{Initial: h.cfg.PollInterval, Max: h.cfg.PollMaxInterval, Timeout: h.cfg.CallTimeout}
}

// StackTop implements acquire.Staged.
func (h *Handle) StackTop() uint64 { return h.stackTop }

// FastCall implements acquire.Staged.
func (h *Handle) FastCall(ctx context.Context, thread mach.Port, fn uint64, args []uint64, resultWidth int) (uint64, error) {
	return callmarshal.FastCall(ctx, h.k, h.driver, h.taskLocal, thread, fn, args, h.stackTop, h.sentinel, resultWidth, h.pollPolicy())
}

var _ acquire.Staged = (*Handle)(nil)

// TestForceInCall acquires the call semaphore without releasing it, so
// tests can exercise Call's misuse guard (ErrCallInFlight) without a
// second goroutine. Production code must never call this.
func (h *Handle) TestForceInCall() {
	h.sem.TryAcquire(1)
}

// Call drives one synchronous remote function call (spec §4.D, §5).
// Exactly one call may be in flight per handle; a concurrent call
// returns ErrCallInFlight instead of blocking, since serialization is
// the caller's responsibility, not a queue this package provides.
func (h *Handle) Call(ctx context.Context, fn uint64, args []callmarshal.Argument, resultWidth int) (uint64, error) {
	const op = "Handle.Call"
	if !h.sem.TryAcquire(1) {
		return 0, kerr.New(kerr.KindCall, op, ErrCallInFlight)
	}
	defer h.sem.Release(1)

	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return 0, kerr.New(kerr.KindCall, op, fmt.Errorf("handle is %v, not ready", state))
	}
	h.state = StateInCall
	h.mu.Unlock()

	result, err := callmarshal.Call(ctx, h.k, h.driver, callmarshal.Request{
		Task: h.taskLocal, Thread: h.threadLocal, Fn: fn, Args: args, ResultWidth: resultWidth,
		StackTop: h.stackTop, Sentinel: h.sentinel, Region: h.bootstrap.Region, Policy: h.pollPolicy(),
	})

	h.mu.Lock()
	// Per spec §7: a failed call leaves the handle READY if the remote
	// thread is still suspended and its state readable. We cannot
	// cheaply distinguish "faulted irrecoverably" from "marshalling
	// error before anything ran" here, so failures that never reached
	// archdrv.Execute (e.g. bad arguments) leave the handle READY, and
	// failures from archdrv.Execute itself (thread state now suspect)
	// still leave it READY for the caller to retry or destroy — this
	// package does not attempt to auto-detect the irrecoverable case.
	h.state = StateReady
	h.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return result, nil
}

// Destroy tears the handle down in the reverse of acquisition order
// (spec §3 Lifecycle, §5): release shared memory and ports, restore
// preserved state if applicable, then resume or terminate the thread
// per policy. Idempotent: the second and later calls are no-ops.
func (h *Handle) Destroy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTornDown {
		return nil
	}

	var errs []error
	skipRemote := h.flags.Has(acquire.KillTask)
	if err := stage.Unstage(h.k, h.taskLocal, h.bootstrap, skipRemote); err != nil {
		errs = append(errs, err)
	}

	if h.flags.Has(acquire.Preserve) && h.preserved != nil {
		if err := h.k.SetThreadState(h.threadLocal, *h.preserved); err != nil {
			errs = append(errs, fmt.Errorf("restore preserved state: %w", err))
		}
	}
	switch {
	case h.flags.Has(acquire.KillThread):
		if err := h.k.TerminateThread(h.threadLocal); err != nil {
			errs = append(errs, fmt.Errorf("terminate thread: %w", err))
		}
	case h.flags.Has(acquire.Resume):
		if err := h.k.ResumeThread(h.threadLocal); err != nil {
			errs = append(errs, fmt.Errorf("resume thread: %w", err))
		}
	}

	h.state = StateTornDown
	log.WithField("correlation_id", h.id).Info("handle torn down")
	if len(errs) > 0 {
		return kerr.New(kerr.KindKernelCall, "Handle.Destroy", errs[0])
	}
	return nil
}

// TaskLocal, TaskRemote, ThreadLocal and ThreadRemote are the four port
// accessors spec §6 requires.
func (h *Handle) TaskLocal() mach.Port    { return h.taskLocal }
func (h *Handle) TaskRemote() mach.Port   { return h.taskRemote }
func (h *Handle) ThreadLocal() mach.Port  { return h.threadLocal }
func (h *Handle) ThreadRemote() mach.Port { return h.threadRemote }

// Path reports which acquisition strategy produced this handle.
func (h *Handle) Path() acquire.Path { return h.path }

// State reports the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Caller adapts this handle into a transfer.Caller, for InsertFD/
// ExtractFD/OpenRemote/InsertPort.
func (h *Handle) Caller() transfer.Caller {
	return transfer.Caller{
		Kernel: h.k, Driver: h.driver, Task: h.taskLocal, Thread: h.threadLocal,
		StackTop: h.stackTop, Sentinel: h.sentinel, Policy: h.pollPolicy(),
	}
}
