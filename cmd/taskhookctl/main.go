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

// Command taskhookctl is a thin demonstration/integration-testing
// binary over pkg/handle, mirroring the registration pattern of the
// teacher's runsc/cli/main.go. It is glue only: build a config.Config,
// acquire a handle against a caller-supplied task, drive one scripted
// call, print the result. It is explicitly not part of the core (see
// spec.md §1 Out of scope).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/go-taskhook/taskhook/pkg/config"
	"github.com/go-taskhook/taskhook/pkg/tlog"
)

var log = tlog.For("taskhookctl")

var configPath = flag.String("config", "", "path to a TOML config file (defaults built in if omitted)")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&callCommand{}, "")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		tlog.SetLevel(lvl)
	}

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}
