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

// Package gadget locates the controlled-return primitives the two
// architecture drivers need (spec §4.A, §9):
//
//   - On the register-and-stack family (amd64), a `jmp *reg` gadget
//     inside a region guaranteed to be mapped and shared with the
//     target (the dynamic linker's shared cache). This is a heuristic
//     linear scan, documented as such, and is cached after first
//     success so repeated calls on the same handle never re-scan.
//   - On the register-and-link family (arm64), no scan is needed or
//     possible (there is no large always-resident shared code region
//     to search at a stable offset): a single branch-to-self
//     instruction is written directly into the handle's own staged
//     shared memory once, which is simpler and does not depend on
//     ASLR slide guesses.
package gadget

import (
	"fmt"
	"sync"

	"github.com/go-taskhook/taskhook/pkg/mach"
)

// jmpRegLow and jmpRegHigh bound the second byte of the two-byte
// `FF /4` encoding for `jmp r64` with no REX prefix (mod=11, reg=100,
// rm=0..7): 0xE0 through 0xE7.
const (
	jmpOpcode  = 0xFF
	jmpRegLow  = 0xE0
	jmpRegHigh = 0xE7

	scanWindow = 4096
)

// Cache owns one architecture driver's gadget address, published at
// most once (spec §9: "an explicitly initialized, lazily populated
// value ... with an atomic publish on first success"). The zero value
// is ready to use.
type Cache struct {
	once sync.Once
	addr uint64
	err  error
}

// Get returns the cached gadget address, scanning [anchor, anchor+bound)
// in task's address space on first call. A failed first scan is not
// retried: gadget discovery is a fixed heuristic over fixed, likely
// ASLR-independent, system code, so a failure here will not spontaneously
// resolve on a later call against the same task.
func (c *Cache) Get(k mach.Kernel, task mach.Port, anchor uint64, bound int) (uint64, error) {
	c.once.Do(func() {
		c.addr, c.err = scan(k, task, anchor, bound)
	})
	return c.addr, c.err
}

func scan(k mach.Kernel, task mach.Port, anchor uint64, bound int) (uint64, error) {
	if bound <= 0 {
		return 0, fmt.Errorf("gadget: non-positive scan bound %d", bound)
	}
	for off := 0; off < bound; off += scanWindow {
		n := scanWindow
		if off+n > bound {
			n = bound - off
		}
		// Overlap one byte into the next window so a gadget split
		// across a window boundary is not missed.
		readLen := n + 1
		buf, err := k.ReadMemory(task, mach.VMAddress(anchor+uint64(off)), readLen)
		if err != nil {
			return 0, fmt.Errorf("gadget: read code at %#x: %w", anchor+uint64(off), err)
		}
		if idx := findJmpReg(buf); idx >= 0 {
			return anchor + uint64(off) + uint64(idx), nil
		}
	}
	return 0, fmt.Errorf("gadget: no jmp *reg found in %d bytes from %#x", bound, anchor)
}

func findJmpReg(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == jmpOpcode && buf[i+1] >= jmpRegLow && buf[i+1] <= jmpRegHigh {
			return i
		}
	}
	return -1
}

// selfBranchARM64 encodes "b #0": an unconditional branch with a
// zero immediate offset, i.e. branch to self.
const selfBranchARM64 = 0x14000000

// WriteLinkTrampoline writes a single branch-to-self instruction at addr
// in task's address space, for use as the register-and-link sentinel.
// addr must come from the handle's own staged shared memory so it is
// guaranteed both mapped and writable.
func WriteLinkTrampoline(k mach.Kernel, task mach.Port, addr uint64) error {
	buf := make([]byte, 4)
	mach.ByteOrder.PutUint32(buf, selfBranchARM64)
	if err := k.WriteMemory(task, mach.VMAddress(addr), buf); err != nil {
		return fmt.Errorf("gadget: write link trampoline at %#x: %w", addr, err)
	}
	return nil
}
