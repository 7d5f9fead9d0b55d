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

package runner

import (
	"sync"
	"time"
)

// terminalKeep bounds how many finished-process records are retained for
// late status queries.
const terminalKeep = 128

// Record describes one tracked OS process. Records are created on spawn,
// mutated only by the Runner, and moved to the terminal ring after reap.
// Argv is stored redacted; the raw command line never reaches the table.
type Record struct {
	Pid  int
	Pgid int
	Ppid int

	Argv          []string
	RepoKey       string
	CorrelationID string

	Start        time.Time
	LastActivity time.Time

	// State is "running" while tracked, then the final Status string.
	State    string
	ExitCode int
}

// Table tracks the supervisor's child processes. It is the single shared
// mutable structure between the runner, the lifecycle manager, and the
// status monitor; all reads go through snapshot copies so readers never
// hold the lock across I/O.
type Table struct {
	mu       sync.Mutex
	running  map[int]*Record
	terminal []Record
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{running: map[int]*Record{}}
}

func (t *Table) add(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.State = "running"
	t.running[rec.Pid] = rec
}

func (t *Table) touch(pid int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.running[pid]; rec != nil {
		rec.LastActivity = now
	}
}

func (t *Table) finish(pid int, state string, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.running[pid]
	if rec == nil {
		return
	}
	delete(t.running, pid)
	rec.State = state
	rec.ExitCode = exitCode
	t.terminal = append(t.terminal, *rec)
	if len(t.terminal) > terminalKeep {
		t.terminal = t.terminal[len(t.terminal)-terminalKeep:]
	}
}

// Snapshot returns copies of all running-process records.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.running))
	for _, rec := range t.running {
		out = append(out, *rec)
	}
	return out
}

// Terminal returns copies of the retained finished-process records.
func (t *Table) Terminal() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.terminal...)
}

// Groups returns the process group ids of all running children, for
// signal propagation on shutdown.
func (t *Table) Groups() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[int]bool{}
	var out []int
	for _, rec := range t.running {
		if rec.Pgid > 0 && !seen[rec.Pgid] {
			seen[rec.Pgid] = true
			out = append(out, rec.Pgid)
		}
	}
	return out
}

// Tracked reports whether pid belongs to a tracked running child.
func (t *Table) Tracked(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[pid] != nil
}

// RunningForRepo returns the running-process records owned by repoKey.
// The SVN worker uses this as its defense-in-depth mutual-exclusion check.
func (t *Table) RunningForRepo(repoKey string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, rec := range t.running {
		if rec.RepoKey == repoKey {
			out = append(out, *rec)
		}
	}
	return out
}

// Len returns the number of running tracked children.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
