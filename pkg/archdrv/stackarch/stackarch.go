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

// Package stackarch implements the register-and-stack controlled-return
// technique (spec §4.A): a `jmp *reg` gadget address is pushed as the
// return address and also loaded into a scratch register, so that when
// the target function returns, it jumps through the gadget into itself,
// a detectable self-loop without injecting any code. Modeled on amd64
// System V's 6 integer argument registers and 16-byte stack alignment
// at the call boundary.
package stackarch

import (
	"fmt"

	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/gadget"
	"github.com/go-taskhook/taskhook/pkg/mach"
)

const registerArgCount = 6

// Driver implements archdrv.Driver for the register-and-stack
// architecture family. Its gadget cache is owned here, not by any one
// handle, so reusing one Driver value across handles against the same
// task shares a single scan (spec §4.A/§9).
type Driver struct {
	cache gadget.Cache
}

// New returns a register-and-stack Driver.
func New() *Driver { return &Driver{} }

// GadgetCache implements archdrv.GadgetCacher.
func (d *Driver) GadgetCache() *gadget.Cache { return &d.cache }

// Kind implements archdrv.Driver.
func (d *Driver) Kind() archdrv.Kind { return archdrv.StackReturn }

// RegisterArgCount implements archdrv.Driver.
func (d *Driver) RegisterArgCount() int { return registerArgCount }

// PrepareCall implements archdrv.Driver. sentinel here is the address of
// a `jmp *scratchReg` gadget (spec §4.A, found by pkg/gadget): it is
// pushed as the return address and also placed in the scratch register,
// so the post-return jump lands the thread on itself.
func (d *Driver) PrepareCall(fn uint64, args []uint64, stackTop uint64, sentinel uint64) (archdrv.Prepared, error) {
	var st mach.ThreadState
	st.PC = fn
	st.Scratch = sentinel

	regArgs := args
	var overflow []uint64
	if len(args) > registerArgCount {
		regArgs = args[:registerArgCount]
		overflow = args[registerArgCount:]
	}
	for i, v := range regArgs {
		st.Args[i] = v
	}

	n := uint64(len(overflow))
	argRegion := stackTop - n*8
	argRegion &^= 0xf // 16-byte align the argument region
	retAddr := argRegion - 8

	var writes []archdrv.StackWrite
	writes = append(writes, archdrv.StackWrite{Addr: retAddr, Value: sentinel})
	for i, v := range overflow {
		writes = append(writes, archdrv.StackWrite{Addr: argRegion + uint64(i)*8, Value: v})
	}
	st.SP = retAddr

	return archdrv.Prepared{State: st, Writes: writes}, nil
}

// Complete implements archdrv.Driver: both PC and the scratch register
// must equal the gadget address, since the gadget itself is `jmp
// *scratchReg` — reaching it once (PC==sentinel, Scratch!=sentinel yet
// on the very first entry is impossible since Scratch was preloaded) and
// looping on it is what distinguishes "returned" from "mid-call".
func (d *Driver) Complete(st mach.ThreadState, sentinel uint64) bool {
	return st.PC == sentinel && st.Scratch == sentinel
}

// ReadResult implements archdrv.Driver.
func (d *Driver) ReadResult(st mach.ThreadState, width int) (uint64, error) {
	v, err := archdrv.MaskResult(st.Return, width)
	if err != nil {
		return 0, fmt.Errorf("stackarch: %w", err)
	}
	return v, nil
}

var _ archdrv.Driver = (*Driver)(nil)
