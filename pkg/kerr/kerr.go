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

// Package kerr defines the error taxonomy every taskhook package wraps
// its failures in: kernel-call, acquisition, staging, call, marshalling
// and remote-function errors. Callers match failures with
// errors.Is(err, kerr.KindStaging) rather than string comparison.
package kerr

import "fmt"

// Kind classifies a failure the way spec §7 enumerates them. Kind itself
// implements error, so the constants below double as the sentinels
// passed to errors.Is.
type Kind int

const (
	// KindKernelCall means a Mach primitive returned non-success.
	KindKernelCall Kind = iota
	// KindAcquisition means no suitable thread could be found or spawned.
	KindAcquisition
	// KindStaging means port pairing or shared-memory mapping failed.
	KindStaging
	// KindCall means the remote call itself could not be driven to
	// completion (state set/get failure, sentinel never reached, no
	// gadget).
	KindCall
	// KindMarshal means an argument could not be laid out.
	KindMarshal
	// KindRemoteFunction tags a result the caller interprets as a
	// remote failure; not a core error, surfaced verbatim.
	KindRemoteFunction
)

func (k Kind) String() string {
	switch k {
	case KindKernelCall:
		return "kernel-call"
	case KindAcquisition:
		return "acquisition"
	case KindStaging:
		return "staging"
	case KindCall:
		return "call"
	case KindMarshal:
		return "marshal"
	case KindRemoteFunction:
		return "remote-function"
	default:
		return "unknown"
	}
}

// Error satisfies the error interface so Kind can be used as a plain
// sentinel value in switch statements and comparisons.
func (k Kind) Error() string { return k.String() }

// Error is the concrete error type every package returns.
type Error struct {
	Kind Kind
	// Op names the specific operation or Mach primitive, e.g.
	// "mach_vm_allocate" or "acquire.HijackConsume".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, kerr.KindStaging) match any *Error of that Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// New wraps err as a taskhook error of the given kind and operation.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
