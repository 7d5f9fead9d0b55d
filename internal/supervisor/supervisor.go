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

// Package supervisor runs the conversion orchestrator: the periodic main
// loop, the job lifecycle, signal handling, and the background monitors.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/sourcegraph/repo-converter/internal/config"
	"github.com/sourcegraph/repo-converter/internal/gate"
	"github.com/sourcegraph/repo-converter/internal/redact"
	"github.com/sourcegraph/repo-converter/internal/runner"
	"github.com/sourcegraph/repo-converter/internal/svn"
)

// Supervisor owns the process-wide state: the child-process runner and its
// table, the concurrency gate, the repository store snapshot, and the job
// table. It is initialised once at startup and drained during shutdown.
type Supervisor struct {
	env    *config.Env
	sink   *redact.Sink
	runner *runner.Runner
	gate   *gate.Gate
	worker *svn.Worker

	mu        sync.Mutex
	jobs      map[string]*job
	nextFetch map[string]time.Time
	repos     *config.Repos

	cycle        atomic.Int64
	shuttingDown atomic.Bool
	cancelRoot   context.CancelFunc

	// sweepCh is poked by the SIGCHLD handler; the sweeper drains it.
	sweepCh chan struct{}

	wg sync.WaitGroup
}

// job is one in-flight conversion attempt.
type job struct {
	repoKey   string
	serverKey string
	started   time.Time
	state     svn.State
	slots     *gate.Slots
}

// New builds a Supervisor from resolved configuration.
func New(env *config.Env, sink *redact.Sink) *Supervisor {
	s := &Supervisor{
		env:       env,
		sink:      sink,
		runner:    runner.New(sink, env.TruncatedOutputMaxLines, env.TruncatedOutputMaxLineLen),
		gate:      gate.New(env.MaxConcurrentGlobal, env.MaxConcurrentPerServer),
		jobs:      map[string]*job{},
		nextFetch: map[string]time.Time{},
		sweepCh:   make(chan struct{}, 1),
	}
	s.worker = &svn.Worker{
		Env:     env,
		Runner:  s.runner,
		StateFn: s.setJobState,
	}
	return s
}

// Runner exposes the process runner, mainly for startup bootstrap calls.
func (s *Supervisor) Runner() *runner.Runner {
	return s.runner
}

func (s *Supervisor) setJobState(repoKey string, state svn.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[repoKey]; j != nil {
		j.state = state
	}
}

// Run executes the main loop until shutdown or MAX_CYCLES, then drains.
// The returned error is only non-nil for startup failures; runtime job
// failures never propagate here.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, s.cancelRoot = context.WithCancel(ctx)
	defer s.cancelRoot()

	stopSignals := s.installSignals(ctx)
	defer stopSignals()

	s.startMonitors(ctx)

	for {
		cycle := s.cycle.Add(1)
		cctx := logging.SetField(ctx, "cycle", cycle)
		logging.Infof(cctx, "starting cycle %d", cycle)
		cycles.Add(cctx, 1)

		if err := s.reload(cctx); err != nil {
			if cycle == 1 {
				return err
			}
			logging.Warningf(cctx, "config reload failed, keeping previous snapshot: %s", err)
		}

		s.sweepOrphans(cctx)
		s.schedule(cctx)

		logging.Infof(cctx, "finished cycle %d", cycle)
		if s.env.MaxCycles > 0 && int(cycle) >= s.env.MaxCycles {
			logging.Infof(cctx, "reached MAX_CYCLES=%d, exiting main loop", s.env.MaxCycles)
			break
		}
		if clock.Sleep(ctx, s.env.Interval).Err != nil {
			break
		}
	}

	s.drain(ctx)
	return nil
}

// reload replaces the repository store snapshot from the config file.
func (s *Supervisor) reload(ctx context.Context) error {
	snapshot, err := config.LoadRepos(ctx, s.env.ReposToConvert, s.sink, s.env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.repos = snapshot
	s.mu.Unlock()
	return nil
}

// schedule walks the store in declaration order and spawns a job for every
// eligible repo. The loop never waits for jobs; they self-report through
// the shared tables.
func (s *Supervisor) schedule(ctx context.Context) {
	s.mu.Lock()
	repos := s.repos
	s.mu.Unlock()

	started := 0
	for _, key := range repos.Order {
		repo := repos.ByKey[key]
		if s.shuttingDown.Load() {
			logging.Infof(ctx, "shutdown requested, not spawning further jobs")
			break
		}
		if reason := s.skipReason(ctx, repo); reason != "" {
			logging.Debugf(ctx, "skipping %s: %s", repo.Key, reason)
			continue
		}
		slots, ok := s.gate.TryAcquire(ctx, repo.Key, repo.ServerKey, repo.MaxConcurrentServer)
		if !ok {
			logging.Debugf(ctx, "skipping %s: no free conversion slot", repo.Key)
			continue
		}
		s.startJob(ctx, repo, slots)
		started++
	}
	logging.Infof(ctx, "spawned %d jobs, %d running total", started, s.runningJobs())
}

// skipReason evaluates non-slot eligibility; empty means eligible.
func (s *Supervisor) skipReason(ctx context.Context, repo *config.Repo) string {
	if repo.Type != "svn" {
		return "source type " + repo.Type + " is not implemented yet"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[repo.Key]; j != nil {
		return "job already running since " + j.started.Format(time.RFC3339)
	}
	if next, ok := s.nextFetch[repo.Key]; ok && clock.Now(ctx).Before(next) {
		return "fetch interval not elapsed, next fetch at " + next.Format(time.RFC3339)
	}
	return ""
}

// startJob spawns the conversion goroutine. Slot release is tied to the
// job teardown and happens strictly after the worker has returned, which
// in turn is strictly after its last child was reaped.
func (s *Supervisor) startJob(ctx context.Context, repo *config.Repo, slots *gate.Slots) {
	now := clock.Now(ctx)
	j := &job{
		repoKey:   repo.Key,
		serverKey: repo.ServerKey,
		started:   now,
		state:     svn.StateNew,
		slots:     slots,
	}
	s.mu.Lock()
	s.jobs[repo.Key] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer slots.Release()
		defer func() {
			if r := recover(); r != nil {
				// A panicking job must not take down the supervisor or
				// leak its slots.
				logging.Errorf(ctx, "conversion job %s panicked: %v", repo.Key, r)
				s.finishJob(ctx, repo, svn.OutcomeLocalError)
			}
		}()

		outcome := s.worker.Convert(ctx, repo)
		s.finishJob(ctx, repo, outcome)
	}()
}

func (s *Supervisor) finishJob(ctx context.Context, repo *config.Repo, outcome svn.Outcome) {
	now := clock.Now(ctx)

	s.mu.Lock()
	j := s.jobs[repo.Key]
	s.mu.Unlock()
	// Return the slots before the job leaves the table, so the repo cannot
	// be scheduled again while its slots are still held.
	if j != nil {
		j.slots.Release()
	}

	s.mu.Lock()
	delete(s.jobs, repo.Key)
	if outcome.Success() && repo.FetchInterval > 0 {
		s.nextFetch[repo.Key] = now.Add(repo.FetchInterval)
	}
	s.mu.Unlock()

	jobOutcomes.Add(ctx, 1, string(outcome))

	runtime := time.Duration(0)
	if j != nil {
		runtime = now.Sub(j.started)
	}
	ctx = logging.SetFields(ctx, logging.Fields{
		"repo_key":   repo.Key,
		"server_key": repo.ServerKey,
		"outcome":    string(outcome),
		"runtime":    runtime.Round(time.Second).String(),
	})
	switch outcome {
	case svn.OutcomeCorruption, svn.OutcomePermanentFailure, svn.OutcomeProbeFailed, svn.OutcomeLocalError:
		logging.Errorf(ctx, "conversion job failed")
	case svn.OutcomeDoneWithWarnings:
		logging.Warningf(ctx, "conversion job finished with warnings")
	default:
		logging.Infof(ctx, "conversion job finished")
	}
}

func (s *Supervisor) runningJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// drain waits for in-flight jobs to exit. A MAX_CYCLES exit waits for
// them to finish their work; a signalled shutdown waits only for the grace
// period plus slack for the runner's TERM-to-KILL escalation.
func (s *Supervisor) drain(ctx context.Context) {
	logging.Infof(ctx, "draining %d running jobs", s.runningJobs())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if !s.shuttingDown.Load() {
		<-done
	} else {
		graceCtx := context.WithoutCancel(ctx)
		select {
		case <-done:
		case <-clock.After(graceCtx, s.env.ShutdownGrace+2*killEscalationSlack):
			logging.Errorf(ctx, "%d jobs still running at drain deadline", s.runningJobs())
		}
	}

	s.sweepOrphans(ctx)
	if n := s.runner.Table().Len(); n > 0 {
		logging.Errorf(ctx, "%d child processes still tracked after drain", n)
	} else {
		logging.Infof(ctx, "process table drained")
	}
}

// killEscalationSlack pads the drain deadline past the point where every
// surviving group has already received KILL.
const killEscalationSlack = 15 * time.Second
