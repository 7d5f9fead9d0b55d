// Copyright 2025 The Sourcegraph Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redact keeps credentials out of log output.
//
// Secrets are registered with a Sink the moment they are read from
// configuration. Every log line leaves the process through the Sink's
// Writer, so a secret that sneaks into a command line, a child process
// output line, or an error message is still replaced before serialization.
package redact

import (
	"io"
	"strings"
	"sync"
)

// Placeholder replaces every registered secret in redacted output.
const Placeholder = "REDACTED"

// Sink holds the set of registered secrets.
//
// Safe for concurrent use. The zero value is not usable; call NewSink.
type Sink struct {
	mu       sync.RWMutex
	secrets  []string
	replacer *strings.Replacer
}

// NewSink returns an empty Sink.
func NewSink() *Sink {
	return &Sink{replacer: strings.NewReplacer()}
}

// Register adds a secret to the set. Empty and very short strings are
// ignored, since replacing them would shred unrelated output.
func (s *Sink) Register(secret string) {
	if len(secret) < 3 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, known := range s.secrets {
		if known == secret {
			return
		}
	}
	s.secrets = append(s.secrets, secret)
	pairs := make([]string, 0, len(s.secrets)*2)
	for _, sec := range s.secrets {
		pairs = append(pairs, sec, Placeholder)
	}
	s.replacer = strings.NewReplacer(pairs...)
}

// String replaces every registered secret in the given string.
func (s *Sink) String(in string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.secrets) == 0 {
		return in
	}
	return s.replacer.Replace(in)
}

// Argv redacts a command line, returning a new slice. Arguments following
// a credential flag are replaced wholesale, in addition to the substring
// replacement, so a secret too short to register still never appears.
func (s *Sink) Argv(argv []string) []string {
	out := make([]string, len(argv))
	redactNext := false
	for i, arg := range argv {
		switch {
		case redactNext:
			out[i] = Placeholder
			redactNext = false
		case arg == "--password" || arg == "--token":
			out[i] = arg
			redactNext = true
		default:
			out[i] = s.String(arg)
		}
	}
	return out
}

// Lines redacts a slice of output lines, returning a new slice.
func (s *Sink) Lines(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = s.String(line)
	}
	return out
}

// Writer returns an io.Writer that redacts everything written through it
// before forwarding to w. It is intended to sit between the JSON log sink
// and stdout.
//
// Writes are assumed to be line-buffered (one log record per Write call),
// which holds for the sdlogger sink; a secret split across two Write calls
// would not be caught, so callers must not wrap unbuffered streams.
func (s *Sink) Writer(w io.Writer) io.Writer {
	return &redactingWriter{sink: s, out: w}
}

type redactingWriter struct {
	sink *Sink
	out  io.Writer
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	red := w.sink.String(string(p))
	if _, err := w.out.Write([]byte(red)); err != nil {
		return 0, err
	}
	// Report the original length so the caller's accounting stays intact
	// even when replacement changed the byte count.
	return len(p), nil
}
