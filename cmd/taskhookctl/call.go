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

package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/go-taskhook/taskhook/pkg/acquire"
	"github.com/go-taskhook/taskhook/pkg/archdrv"
	"github.com/go-taskhook/taskhook/pkg/archdrv/linkarch"
	"github.com/go-taskhook/taskhook/pkg/archdrv/stackarch"
	"github.com/go-taskhook/taskhook/pkg/callmarshal"
	"github.com/go-taskhook/taskhook/pkg/config"
	"github.com/go-taskhook/taskhook/pkg/handle"
	"github.com/go-taskhook/taskhook/pkg/mach"
)

// callCommand is taskhookctl's sole subcommand: acquire a handle
// against a caller-supplied task, drive exactly one remote function
// call with literal arguments, print the result, and tear the handle
// down. It exists to exercise pkg/handle end to end, not to be a
// general-purpose injection tool (spec.md §1 Out of scope).
type callCommand struct {
	task     uint
	thread   uint
	fn       uint64
	args     string
	width    int
	arch     string
	anchor   uint64
	suspend  bool
	preserve bool
	resume   bool
	killThrd bool
	killTask bool
}

func (*callCommand) Name() string     { return "call" }
func (*callCommand) Synopsis() string { return "drive one remote function call through a handle" }
func (*callCommand) Usage() string {
	return `call -task=<port> [-thread=<port>] -fn=<addr> [-args=1,2,3] [-width=8]:
  Acquire a handle against -task (and -thread, if already owned), call
  -fn with -args as literal word arguments, print the low -width bytes
  of the result, then destroy the handle.
`
}

func (c *callCommand) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.task, "task", 0, "send right to the target task, as seen by this process")
	f.UintVar(&c.thread, "thread", 0, "send right to an already-owned target thread (0: let taskhookctl acquire one)")
	f.Uint64Var(&c.fn, "fn", 0, "address of the function to call in the target")
	f.StringVar(&c.args, "args", "", "comma-separated literal uint64 arguments")
	f.IntVar(&c.width, "width", 8, "number of low result bytes to decode (1..8)")
	f.StringVar(&c.arch, "arch", runtime.GOARCH, "call driver to use: amd64 or arm64")
	f.Uint64Var(&c.anchor, "gadget-anchor", 0, "known-mapped code address to scan from on the register-and-stack driver")
	f.BoolVar(&c.suspend, "suspend", true, "suspend a supplied thread on entry")
	f.BoolVar(&c.preserve, "preserve", true, "restore the thread's original register state on teardown")
	f.BoolVar(&c.resume, "resume", false, "resume the thread on teardown (ignored when -kill-thread is also set)")
	f.BoolVar(&c.killThrd, "kill-thread", false, "terminate the acquired thread on teardown")
	f.BoolVar(&c.killTask, "kill-task", false, "treat the task as doomed; skip remote cleanup entirely")
}

func (c *callCommand) Execute(ctx context.Context, f *flag.FlagSet, rest ...any) subcommands.ExitStatus {
	cfg, _ := rest[0].(config.Config)

	args, err := parseArgs(c.args)
	if err != nil {
		log.WithError(err).Error("parsing -args")
		return subcommands.ExitUsageError
	}

	var flags acquire.PolicyFlags
	if c.suspend {
		flags |= acquire.Suspend
	}
	if c.preserve {
		flags |= acquire.Preserve
	}
	if c.resume {
		flags |= acquire.Resume
	}
	if c.killThrd {
		flags |= acquire.KillThread
	}
	if c.killTask {
		flags |= acquire.KillTask
	}

	var driver archdrv.Driver
	switch c.arch {
	case "arm64":
		driver = linkarch.New()
	case "amd64":
		driver = stackarch.New()
	default:
		log.WithField("arch", c.arch).Error("unsupported -arch, want amd64 or arm64")
		return subcommands.ExitUsageError
	}

	k := newKernel()
	log.WithField("backend", kernelBackendName).Info("using kernel backend")

	h, err := handle.New(ctx, k, driver, cfg, mach.Port(c.task), mach.Port(c.thread), flags, handle.Hooks{
		GadgetAnchor: c.anchor,
	})
	if err != nil {
		log.WithError(err).Error("constructing handle")
		return subcommands.ExitFailure
	}
	defer func() {
		if derr := h.Destroy(ctx); derr != nil {
			log.WithError(derr).Warn("tearing down handle")
		}
	}()

	literalArgs := make([]callmarshal.Argument, len(args))
	for i, a := range args {
		literalArgs[i] = callmarshal.Argument{Class: callmarshal.Literal, Literal: a}
	}

	result, err := h.Call(ctx, c.fn, literalArgs, c.width)
	if err != nil {
		log.WithError(err).Error("remote call failed")
		return subcommands.ExitFailure
	}

	fmt.Printf("0x%x\n", result)
	return subcommands.ExitSuccess
}

func parseArgs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i, p, err)
		}
		out[i] = v
	}
	return out, nil
}
