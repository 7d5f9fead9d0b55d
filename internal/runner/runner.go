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

// Package runner spawns and supervises external tool processes.
//
// Every child runs in its own session by default, so one signal to the
// process group reaches the whole subtree the tool may have spawned.
// stdout and stderr are merged and captured line by line; the runner
// enforces optional wall-clock and I/O-inactivity timeouts, and guarantees
// the child is reaped on every exit path.
package runner

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/environ"

	"github.com/sourcegraph/repo-converter/internal/redact"
)

// Status classifies how a child process ended.
type Status string

// Terminal statuses for a Result.
const (
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusStalled    Status = "stalled"
	StatusSignalled  Status = "signalled"
	StatusSpawnError Status = "spawn_error"
)

// maxStoredLines bounds the in-memory output buffer per invocation. The
// head is dropped beyond this; long fetches report per-revision progress
// through the LineHook instead.
const maxStoredLines = 10000

// killGrace is how long a child's group gets between SIGTERM and SIGKILL
// when the runner itself has to kill it (timeout, stall, context cancel).
const killGrace = 10 * time.Second

// watchTick is the watchdog's polling interval for deadline checks.
const watchTick = time.Second

// Spec describes one external command invocation.
type Spec struct {
	Args []string

	// Dir is the working directory; empty means inherit.
	Dir string
	// Env is merged over the inherited environment.
	Env map[string]string

	// SameSession leaves the child in the supervisor's session. By default
	// children get their own session so the whole subtree is signalable.
	SameSession bool

	// Timeout is a wall-clock bound; 0 means none.
	Timeout time.Duration
	// InactivityTimeout kills the child if no output byte arrives for this
	// long; 0 means none.
	InactivityTimeout time.Duration

	// Stdin, when non-empty, is written to the child's stdin (credential
	// echo for svn).
	Stdin string

	// RepoKey attributes the process to a conversion job in the table.
	RepoKey string

	// Quiet suppresses the start event and demotes the finish event to
	// debug even on failure.
	Quiet bool

	// LineHook, when set, observes every captured output line as it
	// arrives, before any truncation.
	LineHook func(line string)

	// SuccessPredicate overrides the exit-code-zero success test. The
	// wrapped tools do not reliably report failure through their exit
	// code, so callers judge success from observable progress.
	SuccessPredicate func(*Result) bool
}

// Result is the outcome of one invocation.
type Result struct {
	Status   Status
	ExitCode int
	// Signal is set when Status is StatusSignalled.
	Signal syscall.Signal

	// Output holds captured, merged stdout+stderr lines, head-truncated at
	// maxStoredLines. Lines are not redacted; they never leave the process
	// except through the redacting log sink.
	Output []string
	// DroppedLines counts head lines dropped from Output.
	DroppedLines int

	Runtime time.Duration
	Pid     int
	Pgid    int

	CorrelationID string
	Success       bool

	// SpawnErr carries the OS error when Status is StatusSpawnError.
	SpawnErr error
}

// OutputContains reports whether any captured line contains the substring.
func (r *Result) OutputContains(substr string) bool {
	for _, line := range r.Output {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// Runner executes Specs and owns the child-process table.
type Runner struct {
	table *Table
	sink  *redact.Sink

	// Log-output caps; see TRUNCATED_OUTPUT_MAX_LINES and
	// TRUNCATED_OUTPUT_MAX_LINE_LENGTH.
	maxLogLines   int
	maxLogLineLen int
}

// New returns a Runner writing through the given redaction sink.
func New(sink *redact.Sink, maxLogLines, maxLogLineLen int) *Runner {
	return &Runner{
		table:         NewTable(),
		sink:          sink,
		maxLogLines:   maxLogLines,
		maxLogLineLen: maxLogLineLen,
	}
}

// Table exposes the child-process table for read-only consumers.
func (r *Runner) Table() *Table {
	return r.table
}

// Run spawns the command and blocks until the child is reaped. It never
// panics and never leaves an un-reaped child behind; all failure modes are
// reported through the Result.
func (r *Runner) Run(ctx context.Context, spec Spec) *Result {
	res := &Result{
		Status:        StatusFailed,
		ExitCode:      -1,
		CorrelationID: correlationID(),
	}

	// Redact once, on entry. The raw argv is never logged.
	argv := r.sink.Argv(spec.Args)
	ctx = logging.SetFields(ctx, logging.Fields{
		"correlation_id": res.CorrelationID,
		"command":        strings.Join(argv, " "),
	})
	if spec.RepoKey != "" {
		ctx = logging.SetField(ctx, "repo_key", spec.RepoKey)
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	env := environ.System()
	for k, v := range spec.Env {
		env.Set(k, v)
	}
	cmd.Env = env.Sorted()
	if !spec.SameSession {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		res.SpawnErr = err
		res.Status = StatusSpawnError
		logging.Errorf(ctx, "process pipe setup failed: %s", err)
		return res
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := clock.Now(ctx)
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		res.SpawnErr = err
		res.Status = StatusSpawnError
		logging.Errorf(ctx, "process spawn failed: %s", err)
		return res
	}
	// The parent's copy of the write end must close so the reader sees EOF
	// when the child subtree is done with it.
	pw.Close()

	res.Pid = cmd.Process.Pid
	res.Pgid = res.Pid
	if spec.SameSession {
		if pgid, err := unix.Getpgid(res.Pid); err == nil {
			res.Pgid = pgid
		}
	}

	rec := &Record{
		Pid:           res.Pid,
		Pgid:          res.Pgid,
		Ppid:          os.Getpid(),
		Argv:          argv,
		RepoKey:       spec.RepoKey,
		CorrelationID: res.CorrelationID,
		Start:         start,
		LastActivity:  start,
	}
	r.table.add(rec)

	ctx = logging.SetFields(ctx, logging.Fields{"pid": res.Pid, "pgid": res.Pgid})
	if !spec.Quiet {
		logging.Debugf(ctx, "process started")
	}

	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())

	var outMu sync.Mutex
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			now := clock.Now(ctx)
			lastActivity.Store(now.UnixNano())
			r.table.touch(res.Pid, now)
			outMu.Lock()
			res.Output = append(res.Output, line)
			if len(res.Output) > maxStoredLines {
				res.Output = res.Output[1:]
				res.DroppedLines++
			}
			outMu.Unlock()
			if spec.LineHook != nil {
				spec.LineHook(line)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var killedAs Status
	waitErr := r.watch(ctx, spec, start, &lastActivity, res.Pgid, waitCh, &killedAs)
	<-readerDone

	res.Runtime = clock.Now(ctx).Sub(start)
	r.classify(res, waitErr, killedAs)

	if spec.SuccessPredicate != nil {
		res.Success = spec.SuccessPredicate(res)
	} else {
		res.Success = res.Status == StatusOK
	}

	r.table.finish(res.Pid, string(res.Status), res.ExitCode)
	r.logFinish(ctx, spec, res)
	return res
}

// watch waits for the child while enforcing the wall-clock deadline, the
// inactivity deadline, and context cancellation. It returns the error from
// cmd.Wait, guaranteeing the child has been reaped.
func (r *Runner) watch(ctx context.Context, spec Spec, start time.Time, lastActivity *atomic.Int64, pgid int, waitCh <-chan error, killedAs *Status) error {
	for {
		select {
		case err := <-waitCh:
			return err
		case tr := <-clock.After(ctx, watchTick):
			if tr.Err != nil {
				// Context cancelled: shutdown or job abort.
				*killedAs = StatusSignalled
				return r.killGroup(ctx, pgid, waitCh)
			}
			now := clock.Now(ctx)
			if spec.Timeout > 0 && now.Sub(start) > spec.Timeout {
				*killedAs = StatusTimeout
				return r.killGroup(ctx, pgid, waitCh)
			}
			if spec.InactivityTimeout > 0 && now.Sub(time.Unix(0, lastActivity.Load())) > spec.InactivityTimeout {
				*killedAs = StatusStalled
				return r.killGroup(ctx, pgid, waitCh)
			}
		}
	}
}

// killGroup terminates the child's whole group: TERM, a bounded grace
// wait, then KILL. It always drains waitCh so the child is reaped.
func (r *Runner) killGroup(ctx context.Context, pgid int, waitCh <-chan error) error {
	_ = unix.Kill(-pgid, unix.SIGTERM)
	// The grace period must run even when ctx is already cancelled.
	graceCtx := context.WithoutCancel(ctx)
	select {
	case err := <-waitCh:
		return err
	case <-clock.After(graceCtx, killGrace):
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
	return <-waitCh
}

func (r *Runner) classify(res *Result, waitErr error, killedAs Status) {
	switch {
	case waitErr == nil:
		res.ExitCode = 0
		res.Status = StatusOK
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				switch {
				case ws.Exited():
					res.ExitCode = ws.ExitStatus()
					res.Status = StatusFailed
				case ws.Signaled():
					res.Signal = ws.Signal()
					res.Status = StatusSignalled
				}
			}
		}
	}
	// A kill the runner itself performed takes precedence over the raw
	// wait classification.
	if killedAs != "" {
		res.Status = killedAs
	}
}

func (r *Runner) logFinish(ctx context.Context, spec Spec, res *Result) {
	truncated := Truncate(res.Output, r.maxLogLines, r.maxLogLineLen)
	ctx = logging.SetFields(ctx, logging.Fields{
		"status":    string(res.Status),
		"exit_code": res.ExitCode,
		"runtime":   res.Runtime.Round(time.Millisecond).String(),
		"output":    strings.Join(truncated, "\n"),
	})
	switch {
	case res.Status == StatusOK || spec.Quiet:
		logging.Debugf(ctx, "process finished")
	case res.Status == StatusSignalled:
		logging.Warningf(ctx, "process killed by signal %d", res.Signal)
	default:
		logging.Errorf(ctx, "process failed")
	}
}

// Truncate caps output for logging: at most maxLines output lines (the
// tail is always preserved, since diagnostic signals appear there) plus
// one leading marker line when lines were cut, and at most maxLineLen
// bytes of each line, each cut marked explicitly.
func Truncate(lines []string, maxLines, maxLineLen int) []string {
	out := lines
	if maxLines > 0 && len(lines) > maxLines {
		out = make([]string, 0, maxLines+1)
		out = append(out, "...output truncated from "+strconv.Itoa(len(lines))+" to "+strconv.Itoa(maxLines)+" lines")
		out = append(out, lines[len(lines)-maxLines:]...)
	} else {
		out = append([]string(nil), lines...)
	}
	if maxLineLen > 0 {
		for i, line := range out {
			if len(line) > maxLineLen {
				out[i] = line[:maxLineLen] + "...line truncated from " + strconv.Itoa(len(line)) + " chars"
			}
		}
	}
	return out
}

func correlationID() string {
	return uuid.NewString()[:8]
}
