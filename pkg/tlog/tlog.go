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

// Package tlog is the shared logging entry point for every taskhook
// package. Subsystems call tlog.For(name) once at init time rather than
// allocating their own logrus instances, so a single log-level/format
// change in cmd/taskhookctl affects the whole process.
package tlog

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.Mutex
	base   = logrus.StandardLogger()
	loggers = map[string]*logrus.Entry{}
)

// For returns the shared, component-tagged logger for subsystem name
// (e.g. "archdrv", "stage", "acquire").
func For(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if e, ok := loggers[component]; ok {
		return e
	}
	e := base.WithField("component", component)
	loggers[component] = e
	return e
}

// SetLevel adjusts the process-wide log level, mirroring the teacher's
// runsc debug/info switch at startup.
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}

// SetOutput redirects every logger created through For to w.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}
