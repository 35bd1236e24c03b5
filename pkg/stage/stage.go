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

// Package stage implements port & memory staging (spec §4.B): pairing
// Mach ports between controller and target, and allocating a
// dual-mapped shared-memory region once that channel exists. Failure at
// any point unwinds everything staged so far via a stack of scope
// guards (spec §9), the same shape as the teacher's chained
// fail-label cleanup in subprocess_linux.go re-expressed without gotos.
package stage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/go-taskhook/taskhook/pkg/kerr"
	"github.com/go-taskhook/taskhook/pkg/mach"
	"github.com/go-taskhook/taskhook/pkg/shmem"
	"github.com/go-taskhook/taskhook/pkg/tlog"
)

var log = tlog.For("stage")

// MinRegionSize is the smallest shared-memory region Stage will
// allocate (spec §4.B: "minimum one page").
const MinRegionSize = 4096

// Result is everything Stage installs: the paired bootstrap ports and
// the dual-mapped shared-memory region.
type Result struct {
	// BootstrapLocal is the controller's own receive right.
	BootstrapLocal mach.Port
	// BootstrapRemote is a send right, valid in the controller's IPC
	// space, to the target's own bootstrap receive right — the
	// controller's half of the paired channel.
	BootstrapRemote mach.Port
	// TargetBootstrapReceive is the target's receive right, named in
	// the target's own IPC space; retained only so Unstage can release
	// it symmetrically.
	TargetBootstrapReceive mach.Port

	Region *shmem.Region

	// CorrelationID tags this staging attempt in log lines, so a
	// failure partway through can be correlated across the several
	// Kernel calls it takes.
	CorrelationID uuid.UUID
}

// guard is one undo step, pushed as each staging artifact is created
// and run, in reverse order, on any later failure.
type guard struct {
	name string
	undo func() error
}

// Stage installs a bootstrap port pair between the controller and task,
// then allocates and dual-maps a shared-memory region of size bytes
// (rounded up to at least MinRegionSize). Every Kernel call here is a
// direct controller-side Mach operation on task's ports and address
// space — not a remote function call — since the caller is assumed to
// already hold sufficient authority over task (spec's Non-goals).
func Stage(k mach.Kernel, task mach.Port, size uint64) (res *Result, err error) {
	const op = "stage.Stage"
	id := uuid.New()
	log.WithField("correlation_id", id).WithField("task", task).Info("staging bootstrap ports and shared memory")

	if size < MinRegionSize {
		size = MinRegionSize
	}

	var guards []guard
	defer func() {
		if err == nil {
			return
		}
		for i := len(guards) - 1; i >= 0; i-- {
			g := guards[i]
			if uerr := g.undo(); uerr != nil {
				log.WithField("correlation_id", id).WithField("step", g.name).WithError(uerr).
					Warn("staging unwind step failed, continuing unwind")
			}
		}
	}()

	local, err := k.PortAllocate(mach.SelfTask)
	if err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("allocate local bootstrap port: %w", err))
	}
	guards = append(guards, guard{"local bootstrap port", func() error {
		return k.PortDeallocate(mach.SelfTask, local)
	}})

	remoteRecv, err := k.PortAllocate(task)
	if err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("allocate remote bootstrap port: %w", err))
	}
	guards = append(guards, guard{"remote bootstrap port", func() error {
		return k.PortDeallocate(task, remoteRecv)
	}})

	remoteSend, err := k.PortExtractRight(task, remoteRecv, mach.DispositionCopySend)
	if err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("extract send right to remote bootstrap port: %w", err))
	}

	if _, err := k.PortInsertRight(task, local, mach.DispositionCopySend); err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("insert controller send right into target: %w", err))
	}

	remoteAddr, err := k.VMAllocate(task, size)
	if err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("vm_allocate %d bytes in target: %w", size, err))
	}
	guards = append(guards, guard{"remote vm allocation", func() error {
		return k.VMDeallocate(task, remoteAddr, size)
	}})

	localBytes, err := k.MapShared(task, remoteAddr, size)
	if err != nil {
		return nil, kerr.New(kerr.KindStaging, op, fmt.Errorf("map shared region locally: %w", err))
	}

	region := &shmem.Region{Local: localBytes, RemoteBase: uint64(remoteAddr), Size: size}
	log.WithField("correlation_id", id).WithField("size", size).WithField("remote_base", fmt.Sprintf("%#x", remoteAddr)).
		Info("staging complete")

	return &Result{
		BootstrapLocal:         local,
		BootstrapRemote:        remoteSend,
		TargetBootstrapReceive: remoteRecv,
		Region:                 region,
		CorrelationID:          id,
	}, nil
}

// Unstage reverses Stage in the order spec §5 requires: release shared
// memory (remote side first, unless the task is already doomed), then
// destroy the paired ports. skipRemote is set by callers tearing down a
// KillTask handle, where remote cleanup would race the task's own
// death.
func Unstage(k mach.Kernel, task mach.Port, res *Result, skipRemote bool) error {
	if res == nil {
		return nil
	}
	var errs []error
	if !skipRemote {
		if err := k.VMDeallocate(task, mach.VMAddress(res.Region.RemoteBase), res.Region.Size); err != nil {
			errs = append(errs, fmt.Errorf("deallocate remote shared memory: %w", err))
		}
	}
	if err := k.UnmapShared(res.Region.Local); err != nil {
		errs = append(errs, fmt.Errorf("unmap local shared memory: %w", err))
	}
	if !skipRemote {
		if err := k.PortDeallocate(task, res.TargetBootstrapReceive); err != nil {
			errs = append(errs, fmt.Errorf("deallocate remote bootstrap port: %w", err))
		}
	}
	if err := k.PortDeallocate(mach.SelfTask, res.BootstrapLocal); err != nil {
		errs = append(errs, fmt.Errorf("deallocate local bootstrap port: %w", err))
	}
	if len(errs) > 0 {
		return kerr.New(kerr.KindStaging, "stage.Unstage", errs[0])
	}
	return nil
}
