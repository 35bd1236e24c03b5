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

// Package callmarshal is the call marshaller (spec §4.D): it turns a
// typed argument vector and a function pointer into a prepared
// archdrv.Driver call, carving oversize/out arguments out of a shmem
// region, and decodes the result afterward.
package callmarshal

import (
	"context"
	"fmt"

	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/kerr"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/shmem"
	"github.com/go-taskhook/taskhook/pkg/tlog"
)

var log = tlog.For("callmarshal")

// Class is an argument's classification (spec §3).
type Class int

const (
	// Literal fits in a machine word and is passed by value.
	Literal Class = iota
	// InputBuffer is local bytes marshalled into shared memory; a
	// remote pointer is substituted in the call.
	InputBuffer
	// OutputBuffer is remote bytes copied back into caller storage
	// after the call.
	OutputBuffer
	// InoutBuffer is the union of InputBuffer and OutputBuffer.
	InoutBuffer
	// CString is a null-terminated InputBuffer.
	CString
)

// Argument is one call argument plus its classification (spec §3).
type Argument struct {
	Class Class

	// Literal is used when Class == Literal: an already width- and
	// signedness-extended 64-bit value (spec §4.D: "the argument
	// carrier records an already-extended 64-bit value").
	Literal uint64

	// In holds the bytes to copy into shared memory for InputBuffer,
	// InoutBuffer and CString (CString's trailing NUL is added
	// automatically and must not be included here).
	In []byte

	// Out is caller-owned storage that receives the post-call bytes
	// for OutputBuffer and InoutBuffer. Its length is also the size of
	// the shared-memory sub-region reserved for the argument.
	Out []byte
}

func (a Argument) size() (int, error) {
	switch a.Class {
	case Literal:
		return 0, nil
	case InputBuffer, InoutBuffer:
		if len(a.In) == 0 {
			return 0, fmt.Errorf("callmarshal: %v argument has empty input", a.Class)
		}
		if a.Class == InoutBuffer && len(a.Out) != len(a.In) {
			return 0, fmt.Errorf("callmarshal: inout argument In/Out length mismatch (%d vs %d)", len(a.In), len(a.Out))
		}
		return len(a.In), nil
	case OutputBuffer:
		if len(a.Out) == 0 {
			return 0, fmt.Errorf("callmarshal: output argument has empty destination")
		}
		return len(a.Out), nil
	case CString:
		return len(a.In) + 1, nil
	default:
		return 0, fmt.Errorf("callmarshal: unknown argument class %v", a.Class)
	}
}

func (c Class) String() string {
	switch c {
	case Literal:
		return "literal"
	case InputBuffer:
		return "input-buffer"
	case OutputBuffer:
		return "output-buffer"
	case InoutBuffer:
		return "inout-buffer"
	case CString:
		return "cstring"
	default:
		return "unknown"
	}
}

// Request is everything Call needs to drive one remote invocation.
type Request struct {
	Task, Thread mach.Port
	Fn           uint64
	Args         []Argument
	ResultWidth  int // 1..8

	StackTop uint64 // top of the call's reserved remote stack
	Sentinel uint64

	Region *shmem.Region // nil is only valid for FastCall-eligible requests
	Policy archdrv.PollPolicy
}

// FastEligible reports whether every argument is Literal and thus the
// call can bypass shared memory entirely (spec §4.D "Fast path").
func (r Request) FastEligible() bool {
	for _, a := range r.Args {
		if a.Class != Literal {
			return false
		}
	}
	return true
}

// Call marshals args into registers and (if needed) the shared region,
// runs the call via d, and unmarshals the result plus any OutputBuffer/
// InoutBuffer contents.
func Call(ctx context.Context, k mach.Kernel, d archdrv.Driver, req Request) (uint64, error) {
	if req.ResultWidth < 1 || req.ResultWidth > 8 {
		return 0, kerr.New(kerr.KindMarshal, "callmarshal.Call", fmt.Errorf("unsupported result width %d", req.ResultWidth))
	}

	slots := make([]uint64, len(req.Args))
	type pending struct {
		idx   int
		local []byte
		out   []byte
	}
	var copyBack []pending

	if !req.FastEligible() {
		if req.Region == nil {
			return 0, kerr.New(kerr.KindMarshal, "callmarshal.Call", fmt.Errorf("buffer argument requires a staged shared-memory region"))
		}
		arena := req.Region.NewArena()
		for i, a := range req.Args {
			if a.Class == Literal {
				slots[i] = a.Literal
				continue
			}
			n, err := a.size()
			if err != nil {
				return 0, kerr.New(kerr.KindMarshal, "callmarshal.Call", err)
			}
			local, remoteAddr, err := arena.Alloc(n)
			if err != nil {
				return 0, kerr.New(kerr.KindMarshal, "callmarshal.Call", err)
			}
			switch a.Class {
			case InputBuffer, InoutBuffer:
				copy(local, a.In)
			case CString:
				copy(local, a.In)
				local[len(a.In)] = 0
			case OutputBuffer:
				for j := range local {
					local[j] = 0
				}
			}
			slots[i] = remoteAddr
			if a.Class == OutputBuffer || a.Class == InoutBuffer {
				copyBack = append(copyBack, pending{idx: i, local: local, out: a.Out})
			}
		}
	} else {
		for i, a := range req.Args {
			slots[i] = a.Literal
		}
	}

	log.WithField("fn", fmt.Sprintf("%#x", req.Fn)).WithField("argc", len(slots)).Debug("executing remote call")

	result, err := archdrv.Execute(ctx, k, d, req.Task, req.Thread, req.Fn, slots, req.StackTop, req.Sentinel, req.ResultWidth, req.Policy)
	if err != nil {
		return 0, kerr.New(kerr.KindCall, "callmarshal.Call", err)
	}

	for _, p := range copyBack {
		copy(p.out, p.local)
	}
	return result, nil
}

// FastCall is a convenience for register-only calls, used by pkg/handle
// (including the hijack-bootstrap-spawn steps), pkg/transfer, and
// callers who know every argument is Literal. It needs no shared-memory
// region.
func FastCall(ctx context.Context, k mach.Kernel, d archdrv.Driver, task, thread mach.Port, fn uint64, args []uint64, stackTop, sentinel uint64, resultWidth int, policy archdrv.PollPolicy) (uint64, error) {
	litArgs := make([]Argument, len(args))
	for i, v := range args {
		litArgs[i] = Argument{Class: Literal, Literal: v}
	}
	return Call(ctx, k, d, Request{
		Task: task, Thread: thread, Fn: fn, Args: litArgs, ResultWidth: resultWidth,
		StackTop: stackTop, Sentinel: sentinel, Policy: policy,
	})
}
