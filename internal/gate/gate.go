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

// Package gate limits how many conversion jobs run at once, globally and
// per code-host server.
package gate

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/clock"
)

// Gate issues slot pairs: one slot against the global cap and one against
// the per-server cap for the job's server key. Acquisition is non-blocking;
// release is idempotent and safe from any goroutine.
//
// Lock ordering: always global then per-server, released in reverse. The
// fixed total order across all semaphores precludes deadlock.
type Gate struct {
	globalCap int64
	serverCap int64

	global *semaphore.Weighted

	mu      sync.Mutex
	servers map[string]*serverGate
	holders map[string]holder // repo key -> holder
}

type serverGate struct {
	cap    int64
	sem    *semaphore.Weighted
	active int64
}

type holder struct {
	serverKey string
	since     time.Time
}

// New returns a Gate with the given global cap and default per-server cap.
func New(globalCap, perServerCap int) *Gate {
	return &Gate{
		globalCap: int64(globalCap),
		serverCap: int64(perServerCap),
		global:    semaphore.NewWeighted(int64(globalCap)),
		servers:   map[string]*serverGate{},
		holders:   map[string]holder{},
	}
}

// Slots is the pair of tokens a running job holds. Release must be called
// on every exit path; deferring it in the job teardown is the expected use.
type Slots struct {
	gate      *Gate
	repoKey   string
	serverKey string
	once      sync.Once
}

// TryAcquire attempts to take a global and a per-server slot for the given
// repo. serverCapOverride, when positive, sets the cap used if this server's
// semaphore does not exist yet (per-server config override).
//
// Fails fast: if either slot is unavailable it returns (nil, false) without
// blocking, leaving no token held.
func (g *Gate) TryAcquire(ctx context.Context, repoKey, serverKey string, serverCapOverride int) (*Slots, bool) {
	// Global first.
	if !g.global.TryAcquire(1) {
		return nil, false
	}
	sg := g.serverGate(serverKey, serverCapOverride)
	if !sg.sem.TryAcquire(1) {
		g.global.Release(1)
		return nil, false
	}

	g.mu.Lock()
	sg.active++
	g.holders[repoKey] = holder{serverKey: serverKey, since: clock.Now(ctx)}
	g.mu.Unlock()

	return &Slots{gate: g, repoKey: repoKey, serverKey: serverKey}, true
}

// Release returns both slots, per-server first then global. Safe to call
// more than once; only the first call has any effect.
func (s *Slots) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		g := s.gate
		g.mu.Lock()
		sg := g.servers[s.serverKey]
		if sg != nil {
			sg.active--
		}
		delete(g.holders, s.repoKey)
		g.mu.Unlock()

		if sg != nil {
			sg.sem.Release(1)
		}
		g.global.Release(1)
	})
}

func (g *Gate) serverGate(serverKey string, capOverride int) *serverGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	sg := g.servers[serverKey]
	if sg == nil {
		c := g.serverCap
		if capOverride > 0 {
			c = int64(capOverride)
		}
		sg = &serverGate{cap: c, sem: semaphore.NewWeighted(c)}
		g.servers[serverKey] = sg
	}
	return sg
}

// ServerStatus describes one server's slot occupancy.
type ServerStatus struct {
	Active int64
	Limit  int64
	// Repos holds the repo keys currently occupying slots, sorted.
	Repos []string
}

// Status is a point-in-time snapshot of slot occupancy for monitoring.
type Status struct {
	GlobalActive int64
	GlobalLimit  int64
	Servers      map[string]ServerStatus
}

// Status returns a snapshot of the gate's occupancy. It holds the gate lock
// only long enough to copy; readers never block acquirers for more than
// that copy.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{GlobalLimit: g.globalCap, Servers: make(map[string]ServerStatus, len(g.servers))}
	byServer := map[string][]string{}
	for repoKey, h := range g.holders {
		byServer[h.serverKey] = append(byServer[h.serverKey], repoKey)
		st.GlobalActive++
	}
	for name, sg := range g.servers {
		repos := byServer[name]
		sort.Strings(repos)
		st.Servers[name] = ServerStatus{Active: sg.active, Limit: sg.cap, Repos: repos}
	}
	return st
}
