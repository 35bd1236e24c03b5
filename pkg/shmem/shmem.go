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

// Package shmem models the dual-mapped shared memory region staged by
// component B (spec §4.B Stage 1) and the per-call bump allocator
// component D partitions it with (spec §4.D, §5: "partitioning across
// arguments is done afresh for each call, no cross-call state persists
// in it").
package shmem

import "fmt"

// Region is the dual mapping of one physical memory object into the
// controller's and the target's address spaces.
type Region struct {
	// Local is a byte-addressable view of the region in the
	// controller's own address space.
	Local []byte
	// RemoteBase is the address of the same region as seen from the
	// target task.
	RemoteBase uint64
	// Size is the shared region's size in bytes; Size == len(Local).
	Size uint64
}

// Arena is a fresh bump allocator over a Region, used for exactly one
// call. No state survives between calls, matching spec §5.
type Arena struct {
	region *Region
	offset uint64
}

// NewArena returns a bump allocator starting at offset 0 of r.
func (r *Region) NewArena() *Arena {
	return &Arena{region: r}
}

// Alloc reserves n bytes, returning the local slice backing them and
// their address as seen by the target task. Allocations are 8-byte
// aligned so pointer-sized values never straddle a cache line boundary
// unnecessarily.
func (a *Arena) Alloc(n int) (local []byte, remoteAddr uint64, err error) {
	aligned := (a.offset + 7) &^ 7
	if aligned+uint64(n) > a.region.Size {
		return nil, 0, fmt.Errorf("shmem: arena exhausted: need %d bytes at offset %d, region size %d", n, aligned, a.region.Size)
	}
	local = a.region.Local[aligned : aligned+uint64(n)]
	remoteAddr = a.region.RemoteBase + aligned
	a.offset = aligned + uint64(n)
	return local, remoteAddr, nil
}
