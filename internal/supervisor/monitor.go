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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
)

// startMonitors launches the periodic background reporters. Both are
// cancellation-responsive: they check the root context at every sleep.
func (s *Supervisor) startMonitors(ctx context.Context) {
	if s.env.StatusMonitorInterval > 0 {
		go s.statusMonitorLoop(ctx)
	}
	if s.env.ConcurrencyMonitorInterval > 0 {
		go s.concurrencyMonitorLoop(ctx)
	}
}

func (s *Supervisor) statusMonitorLoop(ctx context.Context) {
	for {
		if clock.Sleep(ctx, s.env.StatusMonitorInterval).Err != nil {
			return
		}
		s.sweepOrphans(ctx)
		s.reportProcesses(ctx)
	}
}

// reportProcesses emits one structured event per tracked running process.
// No lock is held while stats are collected (only for the table snapshot
// copy and the brief job-state lookup), and every stat
// is optional: a pid that disappeared or a stat the container cannot read
// produces a partial record, never an error.
func (s *Supervisor) reportProcesses(ctx context.Context) {
	now := clock.Now(ctx)
	for _, rec := range s.runner.Table().Snapshot() {
		fields := logging.Fields{
			"pid":            rec.Pid,
			"ppid":           rec.Ppid,
			"pgid":           rec.Pgid,
			"correlation_id": rec.CorrelationID,
			"command":        strings.Join(rec.Argv, " "),
			"runtime":        now.Sub(rec.Start).Round(time.Second).String(),
			"last_activity":  now.Sub(rec.LastActivity).Round(time.Second).String() + " ago",
		}
		if rec.RepoKey != "" {
			fields["repo_key"] = rec.RepoKey
			s.mu.Lock()
			if j := s.jobs[rec.RepoKey]; j != nil {
				fields["job_state"] = string(j.state)
			}
			s.mu.Unlock()
		}

		if p, err := process.NewProcess(int32(rec.Pid)); err == nil {
			if st, err := p.Status(); err == nil {
				fields["state"] = strings.Join(st, ",")
			}
			if times, err := p.Times(); err == nil {
				fields["cpu_user"] = fmt.Sprintf("%.1fs", times.User)
				fields["cpu_system"] = fmt.Sprintf("%.1fs", times.System)
			}
			if mem, err := p.MemoryInfo(); err == nil {
				fields["rss"] = humanize.IBytes(mem.RSS)
			}
			if fds, err := p.NumFDs(); err == nil {
				fields["open_files"] = fds
			}
			if conns, err := p.Connections(); err == nil {
				fields["net_connections"] = len(conns)
			}
		} else {
			fields["state"] = "finished on status check"
		}

		logging.Infof(logging.SetFields(ctx, fields), "process status")
	}
}

func (s *Supervisor) concurrencyMonitorLoop(ctx context.Context) {
	for {
		if clock.Sleep(ctx, s.env.ConcurrencyMonitorInterval).Err != nil {
			return
		}
		s.reportConcurrency(ctx)
	}
}

// reportConcurrency logs one summary line of slot occupancy and updates
// the slot gauges.
func (s *Supervisor) reportConcurrency(ctx context.Context) {
	st := s.gate.Status()

	activeJobs.Set(ctx, int64(s.runningJobs()))
	slotsActive.Set(ctx, st.GlobalActive, "global")

	names := make([]string, 0, len(st.Servers))
	for name := range st.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var servers []string
	for _, name := range names {
		sst := st.Servers[name]
		slotsActive.Set(ctx, sst.Active, "server:"+name)
		if sst.Active > 0 {
			servers = append(servers, fmt.Sprintf("%s: %d/%d %v", name, sst.Active, sst.Limit, sst.Repos))
		}
	}
	summary := "none active"
	if len(servers) > 0 {
		summary = strings.Join(servers, ", ")
	}
	logging.Infof(ctx, "concurrency status - global: %d/%d, servers: %s", st.GlobalActive, st.GlobalLimit, summary)
}
