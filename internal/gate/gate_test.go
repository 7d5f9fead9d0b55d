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

package gate

import (
	"context"
	"fmt"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestGate(t *testing.T) {
	t.Parallel()

	ftt.Run("Gate", t, func(t *ftt.Test) {
		ctx := context.Background()

		t.Run("per-server cap binds before the global cap", func(t *ftt.Test) {
			g := New(10, 5)

			var held []*Slots
			for i := 0; i < 10; i++ {
				slots, ok := g.TryAcquire(ctx, fmt.Sprintf("a/repo-%d", i), "server-a", 0)
				if i < 5 {
					assert.Loosely(t, ok, should.BeTrue)
					held = append(held, slots)
				} else {
					assert.Loosely(t, ok, should.BeFalse)
				}
			}
			// The other server still gets its 5.
			for i := 0; i < 5; i++ {
				slots, ok := g.TryAcquire(ctx, fmt.Sprintf("b/repo-%d", i), "server-b", 0)
				assert.Loosely(t, ok, should.BeTrue)
				held = append(held, slots)
			}
			// Global cap now binds for a third server.
			_, ok := g.TryAcquire(ctx, "c/repo-0", "server-c", 0)
			assert.Loosely(t, ok, should.BeFalse)

			st := g.Status()
			assert.Loosely(t, st.GlobalActive, should.Equal(10))
			assert.Loosely(t, st.Servers["server-a"].Active, should.Equal(5))
			assert.Loosely(t, st.Servers["server-b"].Active, should.Equal(5))

			// After releasing everything, idle counts return to the caps.
			for _, s := range held {
				s.Release()
			}
			st = g.Status()
			assert.Loosely(t, st.GlobalActive, should.BeZero)
			assert.Loosely(t, st.Servers["server-a"].Active, should.BeZero)
			assert.Loosely(t, st.Servers["server-b"].Active, should.BeZero)

			// And the slots are reusable.
			_, ok = g.TryAcquire(ctx, "c/repo-0", "server-c", 0)
			assert.Loosely(t, ok, should.BeTrue)
		})

		t.Run("a failed per-server acquire leaves no global token held", func(t *ftt.Test) {
			g := New(2, 1)
			_, ok := g.TryAcquire(ctx, "a/one", "server-a", 0)
			assert.Loosely(t, ok, should.BeTrue)
			_, ok = g.TryAcquire(ctx, "a/two", "server-a", 0)
			assert.Loosely(t, ok, should.BeFalse)
			// Both global slots must still be usable by another server.
			_, ok = g.TryAcquire(ctx, "b/one", "server-b", 0)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, g.Status().GlobalActive, should.Equal(2))
		})

		t.Run("release is idempotent", func(t *ftt.Test) {
			g := New(1, 1)
			slots, ok := g.TryAcquire(ctx, "a/one", "server-a", 0)
			assert.Loosely(t, ok, should.BeTrue)
			slots.Release()
			slots.Release()
			slots.Release()

			// A double release must not have minted extra capacity.
			s1, ok := g.TryAcquire(ctx, "a/two", "server-a", 0)
			assert.Loosely(t, ok, should.BeTrue)
			_, ok = g.TryAcquire(ctx, "a/three", "server-a", 0)
			assert.Loosely(t, ok, should.BeFalse)
			s1.Release()
		})

		t.Run("nil slots release is a no-op", func(t *ftt.Test) {
			var s *Slots
			s.Release()
		})

		t.Run("per-server override applies on first use", func(t *ftt.Test) {
			g := New(10, 5)
			for i := 0; i < 2; i++ {
				_, ok := g.TryAcquire(ctx, fmt.Sprintf("a/repo-%d", i), "server-a", 2)
				assert.Loosely(t, ok, should.BeTrue)
			}
			_, ok := g.TryAcquire(ctx, "a/repo-2", "server-a", 2)
			assert.Loosely(t, ok, should.BeFalse)
			assert.Loosely(t, g.Status().Servers["server-a"].Limit, should.Equal(2))
		})

		t.Run("status lists holder repo keys", func(t *ftt.Test) {
			g := New(4, 4)
			_, ok := g.TryAcquire(ctx, "a/zebra", "server-a", 0)
			assert.Loosely(t, ok, should.BeTrue)
			_, ok = g.TryAcquire(ctx, "a/aardvark", "server-a", 0)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, g.Status().Servers["server-a"].Repos, should.Match([]string{"a/aardvark", "a/zebra"}))
		})
	})
}
