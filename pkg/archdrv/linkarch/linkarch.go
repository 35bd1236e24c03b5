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

// Package linkarch implements the register-and-link controlled-return
// technique (spec §4.A): the link register is set to a sentinel address
// whose instruction is a branch-to-self, so the call's return lands the
// thread in a tight, detectable loop. Modeled on arm64's fixed x30 link
// register and 8 integer argument registers (x0..x7).
package linkarch

import (
	"fmt"

	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/mach"
)

const registerArgCount = 8

// Driver implements archdrv.Driver for the register-and-link
// architecture family.
type Driver struct{}

// New returns a register-and-link Driver.
func New() *Driver { return &Driver{} }

// Kind implements archdrv.Driver.
func (d *Driver) Kind() archdrv.Kind { return archdrv.LinkReturn }

// RegisterArgCount implements archdrv.Driver.
func (d *Driver) RegisterArgCount() int { return registerArgCount }

// PrepareCall implements archdrv.Driver. Excess arguments beyond the
// first 8 are spilled to the stack at natural (8-byte) alignment,
// growing down from stackTop, per spec §4.D's register-and-link slot
// assignment rule.
func (d *Driver) PrepareCall(fn uint64, args []uint64, stackTop uint64, sentinel uint64) (archdrv.Prepared, error) {
	var st mach.ThreadState
	st.PC = fn
	st.LR = sentinel

	regArgs := args
	var overflow []uint64
	if len(args) > registerArgCount {
		regArgs = args[:registerArgCount]
		overflow = args[registerArgCount:]
	}
	for i, v := range regArgs {
		st.Args[i] = v
	}

	sp := stackTop
	var writes []archdrv.StackWrite
	// Lay out overflow arguments so the first overflow argument sits at
	// the call-time stack pointer and later ones at increasing addresses,
	// matching a normal C callee's view of its stack arguments.
	sp -= uint64(len(overflow)) * 8
	sp &^= 0xf // 16-byte align the call-time stack pointer
	for i, v := range overflow {
		addr := sp + uint64(i)*8
		writes = append(writes, archdrv.StackWrite{Addr: addr, Value: v})
	}
	st.SP = sp

	return archdrv.Prepared{State: st, Writes: writes}, nil
}

// Complete implements archdrv.Driver: the call is done once the
// program counter lands on the sentinel branch-to-self instruction.
func (d *Driver) Complete(st mach.ThreadState, sentinel uint64) bool {
	return st.PC == sentinel
}

// ReadResult implements archdrv.Driver.
func (d *Driver) ReadResult(st mach.ThreadState, width int) (uint64, error) {
	v, err := archdrv.MaskResult(st.Return, width)
	if err != nil {
		return 0, fmt.Errorf("linkarch: %w", err)
	}
	return v, nil
}

var _ archdrv.Driver = (*Driver)(nil)
