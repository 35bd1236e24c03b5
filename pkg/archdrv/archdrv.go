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

// Package archdrv is the architecture call driver (spec §4.A): the
// capability set {prepare_state, detect_completion, layout_args,
// read_result} that §9's design notes call for, dispatched through one
// interface so callmarshal, stage and acquire never branch on GOARCH
// themselves. linkarch implements the register-and-link technique
// (arm64); stackarch implements the register-and-stack technique
// (amd64 System V).
package archdrv

import (
	"github.com/go-taskhook/taskhook/pkg/gadget"
	"github.com/go-taskhook/taskhook/pkg/mach"
)

// Kind names which controlled-return technique a Driver implements.
type Kind int

const (
	// LinkReturn is the fixed-link-register technique (e.g. arm64).
	LinkReturn Kind = iota
	// StackReturn is the return-address-on-stack technique (e.g.
	// amd64 System V).
	StackReturn
)

func (k Kind) String() string {
	if k == LinkReturn {
		return "register-and-link"
	}
	return "register-and-stack"
}

// StackWrite is one 8-byte write the caller must perform (via
// mach.Kernel.WriteMemory) into the remote stack before resuming the
// thread, at Addr in the remote address space.
type StackWrite struct {
	Addr  uint64
	Value uint64
}

// Prepared is the result of laying out one call: the register file to
// install via mach.Kernel.SetThreadState, plus any stack writes needed
// before resuming.
type Prepared struct {
	State  mach.ThreadState
	Writes []StackWrite
}

// Driver is the architecture call driver interface (spec §4.A, §9).
type Driver interface {
	Kind() Kind

	// RegisterArgCount is how many integer/pointer arguments this
	// architecture passes in registers before spilling to the stack.
	RegisterArgCount() int

	// PrepareCall lays out fn and args (already right-extended 64-bit
	// values, per spec §4.D) for execution starting at stackTop (the
	// top, i.e. highest address, of a remote stack region reserved for
	// this call; ignored by architectures that need no stack). sentinel
	// is the controlled-return address chosen for this driver.
	PrepareCall(fn uint64, args []uint64, stackTop uint64, sentinel uint64) (Prepared, error)

	// Complete reports whether st shows the thread parked on the
	// controlled-return sentinel, i.e. the call has finished.
	Complete(st mach.ThreadState, sentinel uint64) bool

	// ReadResult extracts the low width (1..=8) bytes of the return
	// register in native byte order.
	ReadResult(st mach.ThreadState, width int) (uint64, error)
}

// GadgetCacher is implemented by drivers whose controlled-return
// technique depends on a scanned gadget address (the register-and-stack
// family). The cache lives on the Driver value itself, not on each
// handle, so that gadget discovery is process-wide per spec §4.A/§9:
// reusing one Driver across handles against the same task shares one
// scan instead of repeating it per handle.
type GadgetCacher interface {
	GadgetCache() *gadget.Cache
}
