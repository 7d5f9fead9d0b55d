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

package svn

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/sourcegraph/repo-converter/internal/config"
	"github.com/sourcegraph/repo-converter/internal/gitrepo"
	"github.com/sourcegraph/repo-converter/internal/runner"
)

// Outcome is the terminal result of one conversion job.
type Outcome string

// Job outcomes.
const (
	OutcomeDone             Outcome = "done"
	OutcomeDoneWithWarnings Outcome = "done_with_warnings"
	OutcomeNoWork           Outcome = "no_work"
	OutcomeAlreadyRunning   Outcome = "already_running"
	OutcomeProbeFailed      Outcome = "probe_failed"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeCorruption       Outcome = "corruption"
	OutcomeLocalError       Outcome = "local_error"
	OutcomeShutdown         Outcome = "shutdown"
)

// Success reports whether the outcome counts as a successful conversion
// for fetch-interval bookkeeping.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeDone, OutcomeDoneWithWarnings, OutcomeNoWork:
		return true
	}
	return false
}

// State is the worker's position in the per-job state machine, surfaced
// for logging and the status monitor.
type State string

// Job states.
const (
	StateNew         State = "new"
	StateProbing     State = "probing"
	StateUpToDate    State = "up_to_date"
	StateCreating    State = "creating"
	StateFetching    State = "fetching"
	StateRetryWait   State = "retry_wait"
	StateMaintaining State = "maintaining"
)

// backoffBase is the first retry delay; it doubles per attempt up to
// backoffMax, with random jitter on top.
const (
	backoffBase = 2 * time.Second
	backoffMax  = 60 * time.Second
)

// committedRe matches the one line git svn prints per revision it commits,
// e.g. "r1234 = 9fceb02... (refs/remotes/origin/trunk)".
var committedRe = regexp.MustCompile(`^r(\d+) = [0-9a-f]{7,}`)

// Worker converts one repository per Convert call. A single Worker is
// shared by all jobs; it carries no per-job state.
type Worker struct {
	Env    *config.Env
	Runner *runner.Runner

	// StateFn, when set, observes job state transitions.
	StateFn func(repoKey string, state State)
}

func (w *Worker) setState(ctx context.Context, repoKey string, s State) context.Context {
	if w.StateFn != nil {
		w.StateFn(repoKey, s)
	}
	return logging.SetField(ctx, "job_state", string(s))
}

// progress is the on-disk conversion progress read before and after a
// fetch. Revision is the max of the Git tip's recorded SVN revision and
// the revision-map tail, which agree in a healthy repo.
type progress struct {
	Revision int64
	Metadata gitrepo.Metadata
}

func (w *Worker) readProgress(ctx context.Context, repo *config.Repo, path string) (progress, error) {
	var p progress
	tip, err := gitrepo.TipRevision(ctx, w.Runner, path)
	if err != nil {
		return p, err
	}
	mapTip, err := gitrepo.RevMapTip(path)
	if err != nil {
		return p, err
	}
	p.Revision = tip
	if mapTip > p.Revision {
		p.Revision = mapTip
	}
	p.Metadata, err = gitrepo.ReadMetadata(path)
	return p, err
}

// Convert runs the conversion state machine for one repo and returns its
// terminal outcome. Failures stay inside the job: Convert never panics and
// never returns an error, only a classified outcome.
func (w *Worker) Convert(ctx context.Context, repo *config.Repo) Outcome {
	ctx = logging.SetFields(ctx, logging.Fields{
		"repo_key":   repo.Key,
		"server_key": repo.ServerKey,
	})
	path := repo.LocalPath(w.Env.SrcServeRoot)
	window := repo.FetchBatchSize

	// Phase D runs before anything that writes: one holder per repo
	// directory, across every converter sharing the serve root. The
	// concurrency gate already guarantees this within the process; the
	// lock survives sibling containers too.
	if running := w.Runner.Table().RunningForRepo(repo.Key); len(running) > 0 {
		logging.Infof(ctx, "skipping: pid %d is already converting this repo", running[0].Pid)
		return OutcomeAlreadyRunning
	}
	lock, err := gitrepo.LockRepo(path)
	if err != nil {
		if err == fslock.ErrLockHeld {
			logging.Infof(ctx, "skipping: another process holds the repo lock")
			return OutcomeAlreadyRunning
		}
		logging.Errorf(ctx, "taking repo lock: %s", err)
		return OutcomeLocalError
	}
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		outcome, retriable := w.attempt(ctx, repo, path, window, attempt)
		if !retriable {
			return outcome
		}
		if attempt >= repo.MaxRetries {
			logging.Errorf(ctx, "giving up after %d failed fetch attempts", attempt+1)
			return OutcomePermanentFailure
		}

		// Stalls and transient failures get a smaller window; a smaller
		// window does not fix bad credentials, so auth retries keep it.
		if outcome != outcomeAuthRetry && window > 1 {
			window /= 2
			if window < 1 {
				window = 1
			}
			logging.Warningf(ctx, "retrying with log window halved to %d", window)
		}

		ctx := w.setState(ctx, repo.Key, StateRetryWait)
		delay := backoffMax
		if attempt < 5 {
			delay = backoffBase << attempt
		}
		if !sleepJittered(ctx, delay) {
			return OutcomeShutdown
		}
	}
}

// Internal retry markers; they never escape Convert. Auth retries keep
// the fetch window, transient retries halve it.
const (
	outcomeAuthRetry      Outcome = "auth_retry"
	outcomeTransientRetry Outcome = "transient_retry"
)

// attempt runs phases A through H once. It returns the outcome and whether
// the job should retry; on success retriable is false and the outcome is
// terminal.
func (w *Worker) attempt(ctx context.Context, repo *config.Repo, path string, window int, attempt int) (Outcome, bool) {
	if attempt > 0 {
		ctx = logging.SetField(ctx, "attempt", attempt)
	}

	// Phase A. Credentials and URLs may rotate between attempts, so every
	// attempt re-probes.
	ctx = w.setState(ctx, repo.Key, StateProbing)
	info, err := w.probe(ctx, repo)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeShutdown, false
		}
		if transient.Tag.In(err) {
			// The probe already ran its own transient-retry loop with
			// backoff; when that is exhausted the job is over.
			logging.Errorf(ctx, "probe failed: %s", err)
			return OutcomeProbeFailed, false
		}
		// Auth failure: retriable a few times, window untouched.
		logging.Errorf(ctx, "probe rejected: %s", err)
		return outcomeAuthRetry, true
	}

	// Phase B.
	creating := !gitrepo.Exists(ctx, w.Runner, path)
	var before progress
	if !creating {
		if before, err = w.readProgress(ctx, repo, path); err != nil {
			logging.Errorf(ctx, "reading local conversion state: %s", err)
			return OutcomeLocalError, false
		}
	}

	// Phase C: the common case must stay cheap. One probe, one stat, one
	// metadata read, no git svn invocation.
	if !creating && w.upToDate(info, before, repo) {
		ctx := w.setState(ctx, repo.Key, StateUpToDate)
		logging.Infof(ctx, "up to date at r%d", before.Revision)
		if n := w.Env.LogRecentCommits; n > 0 {
			w.logRecentCommits(ctx, repo, n)
		}
		return OutcomeNoWork, false
	}

	if creating {
		ctx = w.setState(ctx, repo.Key, StateCreating)
		if outcome, ok := w.create(ctx, repo, path); !ok {
			return outcome, false
		}
	} else {
		gitrepo.ClearStaleLocks(ctx, path)
		if err := gitrepo.DeduplicateConfigFile(ctx, path); err != nil {
			logging.Warningf(ctx, "config dedupe failed: %s", err)
		}
	}

	// Phases E+F.
	ctx = w.setState(ctx, repo.Key, StateFetching)
	res, committed := w.fetch(ctx, repo, path, window, creating, before.Revision)
	if res.Status == runner.StatusSpawnError {
		logging.Errorf(ctx, "spawning git svn fetch: %s", res.SpawnErr)
		return OutcomeLocalError, false
	}
	if ctx.Err() != nil {
		return OutcomeShutdown, false
	}

	// Phase G: the tool's exit code is untrusted; success means observable
	// progress on disk plus at least one committed-revision line.
	after, err := w.readProgress(ctx, repo, path)
	if err != nil {
		logging.Errorf(ctx, "re-reading local conversion state: %s", err)
		return OutcomeLocalError, false
	}

	switch {
	case after.Revision < before.Revision:
		logging.Errorf(ctx, "local revision moved backwards: r%d -> r%d", before.Revision, after.Revision)
		return OutcomeCorruption, false

	case after.Revision > before.Revision && committed > 0:
		gitrepo.SetBatchEndRevision(ctx, w.Runner, path, after.Revision)
		logging.Infof(ctx, "fetched %d revisions: r%d -> r%d", committed, before.Revision, after.Revision)

		// Phase H.
		ctx := w.setState(ctx, repo.Key, StateMaintaining)
		warnings := gitrepo.Maintain(ctx, w.Runner, repo, path, creating)
		if warnings > 0 {
			return OutcomeDoneWithWarnings, false
		}
		return OutcomeDone, false

	case hasAuthToken(res.Output):
		logging.Warningf(ctx, "fetch rejected by server auth")
		return outcomeAuthRetry, true

	case res.Status == runner.StatusStalled || res.Status == runner.StatusTimeout:
		logging.Warningf(ctx, "fetch %s with no progress", res.Status)
		return outcomeTransientRetry, true

	case hasTransientToken(res.Output):
		logging.Warningf(ctx, "transient_failure: server error with no progress")
		return outcomeTransientRetry, true

	case len(res.Output) == 0:
		// Ran, exited zero, printed nothing, changed nothing: the tool
		// contract violation this system exists to compensate for.
		logging.Warningf(ctx, "silent_failure: exit %d with empty output and no progress", res.ExitCode)
		return outcomeTransientRetry, true

	default:
		logging.Warningf(ctx, "fetch made no progress (exit %d)", res.ExitCode)
		return outcomeTransientRetry, true
	}
}

// upToDate implements the Phase C check: nothing to fetch, and branch/tag
// scanning has caught up far enough that re-running the tool would no-op.
func (w *Worker) upToDate(info *Info, before progress, repo *config.Repo) bool {
	if before.Revision == 0 || info.LastChangedRev > before.Revision {
		return false
	}
	if repo.DefaultBranchOnly {
		return true
	}
	return before.Metadata.BranchesMaxRev >= info.LastChangedRev &&
		before.Metadata.TagsMaxRev >= info.LastChangedRev
}

// create initialises a fresh clone: directory, git svn remote with the
// resolved layout, bare flag, authors and ignore files, and the zero
// batch-end marker.
func (w *Worker) create(ctx context.Context, repo *config.Repo, path string) (Outcome, bool) {
	logging.Infof(ctx, "no local clone found, initializing")

	if err := os.MkdirAll(path, 0o755); err != nil {
		logging.Errorf(ctx, "creating repo directory: %s", err)
		return OutcomeLocalError, false
	}

	args := []string{"git", "svn", "init", repo.URL}
	switch {
	case repo.DefaultBranchOnly:
		trunk := repo.Layout.Trunk
		if trunk == "" {
			trunk = "trunk"
		}
		args = append(args, "--trunk", trunk)
	case repo.Layout.Standard:
		args = append(args, "--stdlayout")
	default:
		if repo.Layout.Trunk != "" {
			args = append(args, "--trunk", repo.Layout.Trunk)
		}
		for _, b := range repo.Layout.Branches {
			args = append(args, "--branches", b)
		}
		for _, t := range repo.Layout.Tags {
			args = append(args, "--tags", t)
		}
	}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}

	res := w.Runner.Run(ctx, runner.Spec{
		Args:    args,
		Dir:     path,
		RepoKey: repo.Key,
		Stdin:   stdinFor(repo),
		Timeout: probeTimeout,
	})
	if res.Status != runner.StatusOK {
		logging.Errorf(ctx, "git svn init failed: %s", res.Status)
		return OutcomeLocalError, false
	}

	if repo.BareClone {
		gitrepo.SetConfig(ctx, w.Runner, path, "core.bare", "true")
	}
	w.configurePaths(ctx, repo, path)
	gitrepo.SetBatchEndRevision(ctx, w.Runner, path, 0)
	return "", true
}

// configurePaths wires the optional authors and ignore files into the
// repo, and unwires them when the files have gone missing so a stale path
// cannot wedge every future fetch.
func (w *Worker) configurePaths(ctx context.Context, repo *config.Repo, path string) {
	for key, value := range map[string]string{
		"svn.authorsfile": repo.AuthorsFilePath,
		"svn.authorsProg": repo.AuthorsProgPath,
	} {
		if value == "" {
			continue
		}
		current := gitrepo.GetConfig(ctx, w.Runner, path, key)
		_, statErr := os.Stat(value)
		switch {
		case statErr == nil && current != value:
			gitrepo.SetConfig(ctx, w.Runner, path, key, value)
		case statErr != nil && current == value:
			logging.Warningf(ctx, "%s is configured but %s no longer exists, unsetting it", key, value)
			gitrepo.UnsetConfig(ctx, w.Runner, path, key)
		case statErr != nil:
			logging.Warningf(ctx, "%s not found at %s, skipping", key, value)
		}
	}

	if repo.IgnoreFilePath != "" {
		if raw, err := os.ReadFile(repo.IgnoreFilePath); err == nil {
			dst := filepath.Join(path, ".gitignore")
			if err := os.WriteFile(dst, raw, 0o644); err != nil {
				logging.Warningf(ctx, "copying ignore file to %s: %s", dst, err)
			}
		} else {
			logging.Warningf(ctx, "ignore file not found at %s, skipping", repo.IgnoreFilePath)
		}
	}
}

// fetch runs one git svn fetch and returns the result plus the number of
// committed-revision lines observed in its output.
func (w *Worker) fetch(ctx context.Context, repo *config.Repo, path string, window int, creating bool, before int64) (*runner.Result, int64) {
	args := []string{"git", "-C", path, "svn", "fetch", "--log-window-size", strconv.Itoa(window)}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}
	if creating {
		// Seed the lower bound: with no local commits, git svn resolves
		// the base to revision 0 and walks the dead range one empty server
		// request at a time.
		if first, err := w.firstRevision(ctx, repo); err == nil && first > 1 {
			args = append(args, "--revision", strconv.FormatInt(first, 10)+":HEAD")
		} else if err != nil {
			logging.Warningf(ctx, "could not determine first remote revision, fetching from 0: %s", err)
		}
	}

	var committed atomic.Int64
	spec := runner.Spec{
		Args:    args,
		RepoKey: repo.Key,
		Stdin:   stdinFor(repo),
		LineHook: func(line string) {
			if committedRe.MatchString(line) {
				committed.Add(1)
			}
		},
	}
	// No wall clock: these jobs legitimately run for hours. Inactivity is
	// a different story, but killing git svn mid-branch-scan is not known
	// to be safe, so it stays opt-in.
	if w.Env.AllowInactivityTimeout {
		spec.InactivityTimeout = w.Env.InactivityTimeout
	}

	logging.Infof(ctx, "fetching r%d..HEAD with log window %d", before, window)
	res := w.Runner.Run(ctx, spec)
	return res, committed.Load()
}
