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

package supervisor

import (
	"context"
	"os"
	"os/signal"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"
)

// installSignals wires shutdown and child-death signals. The goroutine
// receiving them does no work beyond flipping the shutdown state and
// poking channels; everything heavier runs in regular goroutines where
// logging is safe.
func (s *Supervisor) installSignals(ctx context.Context) (stop func()) {
	shutdownCh := make(chan os.Signal, 2)
	signal.Notify(shutdownCh, append(signals.Interrupts(), unix.SIGHUP)...)

	chldCh := make(chan os.Signal, 1)
	signal.Notify(chldCh, unix.SIGCHLD)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-shutdownCh:
				s.beginShutdown(ctx, sig)
			case <-chldCh:
				select {
				case s.sweepCh <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	go s.sweepLoop(ctx, done)

	return func() {
		signal.Stop(shutdownCh)
		signal.Stop(chldCh)
		close(done)
	}
}

// beginShutdown starts graceful shutdown exactly once; re-entry while
// already shutting down is a no-op. It blocks new job spawns, cancels the
// root context, TERMs every tracked session group, and arms the KILL
// deadline for survivors.
func (s *Supervisor) beginShutdown(ctx context.Context, sig os.Signal) {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		logging.Debugf(ctx, "already shutting down, ignoring signal %s", sig)
		return
	}
	logging.Warningf(ctx, "received signal %s, shutting down", sig)

	groups := s.runner.Table().Groups()
	for _, pgid := range groups {
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			logging.Errorf(ctx, "sending TERM to group %d: %s", pgid, err)
		}
	}
	logging.Infof(ctx, "sent TERM to %d process groups, KILL follows in %s", len(groups), s.env.ShutdownGrace)

	s.cancelRoot()

	go func() {
		graceCtx := context.WithoutCancel(ctx)
		<-clock.After(graceCtx, s.env.ShutdownGrace)
		for _, pgid := range s.runner.Table().Groups() {
			logging.Warningf(ctx, "group %d survived the shutdown grace period, sending KILL", pgid)
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
	}()
}

// sweepLoop reaps orphans whenever SIGCHLD fires. Children spawned by the
// runner are reaped by their own Run call; this loop only collects
// re-parented grandchildren, which exist when the supervisor runs as PID 1
// in a container.
func (s *Supervisor) sweepLoop(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-s.sweepCh:
			s.sweepOrphans(ctx)
		case <-done:
			return
		}
	}
}

// sweepOrphans waits on direct children that the runner does not track.
// A pid that vanished between listing and waiting is not an error.
func (s *Supervisor) sweepOrphans(ctx context.Context) {
	procs, err := process.Processes()
	if err != nil {
		logging.Debugf(ctx, "listing processes for orphan sweep: %s", err)
		return
	}
	me := int32(os.Getpid())
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid != me {
			continue
		}
		if s.runner.Table().Tracked(int(p.Pid)) {
			continue
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(int(p.Pid), &ws, unix.WNOHANG, nil)
		if err != nil || pid != int(p.Pid) {
			continue
		}
		switch {
		case ws.Exited() && ws.ExitStatus() != 0:
			logging.Warningf(ctx, "reaped orphan pid %d with exit code %d", pid, ws.ExitStatus())
		case ws.Signaled():
			logging.Warningf(ctx, "reaped orphan pid %d killed by signal %d", pid, ws.Signal())
		default:
			logging.Debugf(ctx, "reaped orphan pid %d", pid)
		}
	}
}
