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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/sourcegraph/repo-converter/internal/redact"
)

const testReposYAML = `
global:
  fetch-batch-size: 50
  git-default-branch: main

svn.example.com:
  type: svn
  code-host-name: svn.example.com
  git-org-name: eng
  repo-parent-url: https://svn.example.com/repos
  username: converter
  password: hunter2
  max-concurrent-conversions: 4
  repos:
    - widgets
    - gadgets:
        fetch-batch-size: 10
        layout: standard
        fetch-interval-seconds: 300
    - legacy:
        url: https://svn.example.com/old/legacy
        trunk: trunk
        branches:
          - branches
          - sandbox
        tags:
          - tags

other.example.com:
  type: svn
  url: https://other.example.com/svn/thing
  repos:
    - thing
`

func writeRepos(t *ftt.Test, body string) string {
	path := filepath.Join(t.TempDir(), "repos-to-convert.yaml")
	assert.Loosely(t, os.WriteFile(path, []byte(body), 0o644), should.BeNil)
	return path
}

func testDefaults() *Env {
	return &Env{MaxRetries: 3}
}

func TestLoadRepos(t *testing.T) {
	t.Parallel()

	ftt.Run("LoadRepos", t, func(t *ftt.Test) {
		ctx := context.Background()
		sink := redact.NewSink()

		t.Run("parses and merges the three levels", func(t *ftt.Test) {
			snapshot, err := LoadRepos(ctx, writeRepos(t, testReposYAML), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, snapshot.Len(), should.Equal(4))

			widgets := snapshot.ByKey["svn.example.com/eng/widgets"]
			assert.Loosely(t, widgets, should.NotBeNil)
			assert.Loosely(t, widgets.URL, should.Equal("https://svn.example.com/repos/widgets"))
			assert.Loosely(t, widgets.ServerKey, should.Equal("svn.example.com"))
			// Global level applies where nothing overrides it.
			assert.Loosely(t, widgets.FetchBatchSize, should.Equal(50))
			assert.Loosely(t, widgets.GitDefaultBranch, should.Equal("main"))
			// Server level.
			assert.Loosely(t, widgets.Username, should.Equal("converter"))
			assert.Loosely(t, widgets.MaxConcurrentServer, should.Equal(4))
			assert.Loosely(t, widgets.Layout.Standard, should.BeTrue)

			// Repo level beats server and global.
			gadgets := snapshot.ByKey["svn.example.com/eng/gadgets"]
			assert.Loosely(t, gadgets, should.NotBeNil)
			assert.Loosely(t, gadgets.FetchBatchSize, should.Equal(10))
			assert.Loosely(t, gadgets.FetchInterval, should.Equal(5*time.Minute))

			legacy := snapshot.ByKey["svn.example.com/eng/legacy"]
			assert.Loosely(t, legacy, should.NotBeNil)
			assert.Loosely(t, legacy.URL, should.Equal("https://svn.example.com/old/legacy"))
			assert.Loosely(t, legacy.Layout.Standard, should.BeFalse)
			assert.Loosely(t, legacy.Layout.Trunk, should.Equal("trunk"))
			assert.Loosely(t, legacy.Layout.Branches, should.Match([]string{"branches", "sandbox"}))
			assert.Loosely(t, legacy.Layout.Tags, should.Match([]string{"tags"}))
		})

		t.Run("keeps declaration order", func(t *ftt.Test) {
			snapshot, err := LoadRepos(ctx, writeRepos(t, testReposYAML), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, snapshot.Order[:3], should.Match([]string{
				"svn.example.com/eng/widgets",
				"svn.example.com/eng/gadgets",
				"svn.example.com/eng/legacy",
			}))
		})

		t.Run("derives host and org when not declared", func(t *ftt.Test) {
			snapshot, err := LoadRepos(ctx, writeRepos(t, testReposYAML), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			thing := snapshot.ByKey["other.example.com/other.example.com/thing"]
			assert.Loosely(t, thing, should.NotBeNil)
			assert.Loosely(t, thing.CodeHostName, should.Equal("other.example.com"))
		})

		t.Run("registers secrets with the sink", func(t *ftt.Test) {
			_, err := LoadRepos(ctx, writeRepos(t, testReposYAML), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, sink.String("the password is hunter2"), should.Equal("the password is "+redact.Placeholder))
		})

		t.Run("missing file is an error", func(t *ftt.Test) {
			_, err := LoadRepos(ctx, filepath.Join(t.TempDir(), "nope.yaml"), sink, testDefaults())
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run("malformed YAML is an error", func(t *ftt.Test) {
			_, err := LoadRepos(ctx, writeRepos(t, "svn.example.com: [unclosed"), sink, testDefaults())
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run("repo without a URL is skipped, not fatal", func(t *ftt.Test) {
			snapshot, err := LoadRepos(ctx, writeRepos(t, `
bad.example.com:
  type: svn
  repos:
    - orphan
good.example.com:
  type: svn
  url: https://good.example.com/svn/ok
  repos:
    - ok
`), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, snapshot.Len(), should.Equal(1))
		})

		t.Run("layout shortcut conflicting with explicit paths is skipped", func(t *ftt.Test) {
			snapshot, err := LoadRepos(ctx, writeRepos(t, `
svn.example.com:
  type: svn
  repo-parent-url: https://svn.example.com/repos
  repos:
    - broken:
        layout: standard
        trunk: trunk
`), sink, testDefaults())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, snapshot.Len(), should.BeZero)
		})
	})
}

func TestDeriveRepoKey(t *testing.T) {
	t.Parallel()

	ftt.Run("DeriveRepoKey", t, func(t *ftt.Test) {
		t.Run("passes through safe names", func(t *ftt.Test) {
			assert.Loosely(t, DeriveRepoKey("svn.example.com", "eng", "widgets"),
				should.Equal("svn.example.com/eng/widgets"))
		})
		t.Run("sanitizes unsafe runes per segment", func(t *ftt.Test) {
			assert.Loosely(t, DeriveRepoKey("svn.example.com:8080", "a b", "x/y"),
				should.Equal("svn.example.com-8080/a-b/x-y"))
		})
		t.Run("never yields an empty segment", func(t *ftt.Test) {
			assert.Loosely(t, DeriveRepoKey("", "..", "ok"), should.Equal("unknown/unknown/ok"))
		})
	})
}
