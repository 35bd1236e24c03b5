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

// Package config holds the tunables the spec leaves to "a policy
// implementation": shared memory sizing, completion-poll backoff bounds,
// and gadget discovery parameters. Loaded from TOML, the way runsc loads
// its OCI-adjacent configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of tunables for one taskhook process.
type Config struct {
	// ShmemSize is the size in bytes of the staged shared-memory
	// region (spec §4.B Stage 1). Must be at least one page.
	ShmemSize int `toml:"shmem_size"`

	// PollInterval is the initial delay between completion-detection
	// polls (spec §4.A).
	PollInterval time.Duration `toml:"poll_interval"`

	// PollMaxInterval caps the exponential backoff applied between
	// polls.
	PollMaxInterval time.Duration `toml:"poll_max_interval"`

	// CallTimeout bounds how long a single call may run before it is
	// reported as hung. Zero means no timeout, matching spec §5's
	// "no timeout on a completed call" default.
	CallTimeout time.Duration `toml:"call_timeout"`

	// GadgetScanBound is the maximum number of bytes the stack-return
	// architecture driver scans, starting from its anchor symbol,
	// while looking for a `jmp *reg` gadget (spec §4.A).
	GadgetScanBound int `toml:"gadget_scan_bound"`

	// LogLevel is a logrus level name: "debug", "info", "warning",
	// "error".
	LogLevel string `toml:"log_level"`
}

const minPageSize = 4096

// Default returns the configuration used when no TOML file is supplied.
func Default() Config {
	return Config{
		ShmemSize:       16 * 1024,
		PollInterval:    200 * time.Microsecond,
		PollMaxInterval: 20 * time.Millisecond,
		CallTimeout:     0,
		GadgetScanBound: 8 * 1024 * 1024,
		LogLevel:        "info",
	}
}

// Load reads and validates a Config from a TOML file at path, filling in
// Default() for any field left zero.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the invariants spec §4.B relies on (minimum shared
// memory size of one page) and rejects nonsensical poll bounds.
func (c Config) Validate() error {
	if c.ShmemSize < minPageSize {
		return fmt.Errorf("config: shmem_size %d below minimum page size %d", c.ShmemSize, minPageSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.PollMaxInterval < c.PollInterval {
		return fmt.Errorf("config: poll_max_interval must be >= poll_interval")
	}
	if c.GadgetScanBound <= 0 {
		return fmt.Errorf("config: gadget_scan_bound must be positive")
	}
	return nil
}
