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

package archdrv

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/go-taskhook/taskhook/pkg/mach"
)

// PollPolicy bounds the busy-poll loop Execute uses to detect call
// completion (spec §4.A: "busy-polls thread state with a short
// backoff").
type PollPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// Timeout is the overall deadline; zero means no timeout, matching
	// spec §5's default ("no timeout on a completed call").
	Timeout time.Duration
}

// Execute drives one function call to completion on thread using driver
// d and kernel k: write any stack spill, install the prepared register
// state, resume, poll until Complete, suspend again, and return the
// masked result. thread must already be suspended on entry and is left
// suspended on return (spec §4.A: "the driver suspends the thread again
// before returning, leaving it ready for the next call").
func Execute(ctx context.Context, k mach.Kernel, d Driver, task mach.Port, thread mach.Port, fn uint64, args []uint64, stackTop uint64, sentinel uint64, resultWidth int, policy PollPolicy) (uint64, error) {
	prep, err := d.PrepareCall(fn, args, stackTop, sentinel)
	if err != nil {
		return 0, fmt.Errorf("archdrv: prepare call: %w", err)
	}
	for _, w := range prep.Writes {
		buf := make([]byte, 8)
		mach.PutUint64(buf, w.Value)
		if err := k.WriteMemory(task, mach.VMAddress(w.Addr), buf); err != nil {
			return 0, fmt.Errorf("archdrv: write stack word at %#x: %w", w.Addr, err)
		}
	}
	if err := k.SetThreadState(thread, prep.State); err != nil {
		return 0, fmt.Errorf("archdrv: set thread state: %w", err)
	}
	if err := k.ResumeThread(thread); err != nil {
		return 0, fmt.Errorf("archdrv: resume thread: %w", err)
	}

	if policy.Initial <= 0 {
		policy.Initial = time.Microsecond
	}
	if policy.Max <= 0 {
		policy.Max = 10 * time.Millisecond
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.Initial
	eb.MaxInterval = policy.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	if policy.Timeout > 0 {
		eb.MaxElapsedTime = policy.Timeout
	} else {
		eb.MaxElapsedTime = 0
	}

	var final mach.ThreadState
	op := func() error {
		st, err := k.GetThreadState(thread)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("archdrv: get thread state: %w", err))
		}
		if !d.Complete(st, sentinel) {
			return fmt.Errorf("archdrv: call not yet complete")
		}
		final = st
		return nil
	}
	if err := backoff.Retry(op, backoffWithContext(ctx, eb)); err != nil {
		return 0, fmt.Errorf("archdrv: %w", err)
	}

	if err := k.SuspendThread(thread); err != nil {
		return 0, fmt.Errorf("archdrv: suspend thread: %w", err)
	}
	result, err := d.ReadResult(final, resultWidth)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// backoffWithContext cancels b as soon as ctx is done, without pulling
// in golang.org/x/net/context glue the v2 backoff package doesn't ship.
func backoffWithContext(ctx context.Context, b backoff.BackOff) backoff.BackOff {
	return &ctxBackOff{ctx: ctx, BackOff: b}
}

type ctxBackOff struct {
	ctx context.Context
	backoff.BackOff
}

func (c *ctxBackOff) NextBackOff() time.Duration {
	select {
	case <-c.ctx.Done():
		return backoff.Stop
	default:
		return c.BackOff.NextBackOff()
	}
}
