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
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/sourcegraph/repo-converter/internal/config"
)

var svnInfoOutput = []string{
	"Path: widgets",
	"URL: https://svn.example.com/repos/widgets/trunk",
	"Relative URL: ^/widgets/trunk",
	"Repository Root: https://svn.example.com/repos",
	"Repository UUID: 9fceb02d-1234-5678-9abc-def012345678",
	"Revision: 125551",
	"Node Kind: directory",
	"Last Changed Author: dev",
	"Last Changed Rev: 125003",
	"Last Changed Date: 2025-06-17 07:27:32 +0000",
}

func TestParseInfo(t *testing.T) {
	t.Parallel()

	ftt.Run("parseInfo", t, func(t *ftt.Test) {
		t.Run("extracts the interesting fields", func(t *ftt.Test) {
			info, err := parseInfo(svnInfoOutput)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, info.URL, should.Equal("https://svn.example.com/repos/widgets/trunk"))
			assert.Loosely(t, info.Root, should.Equal("https://svn.example.com/repos"))
			assert.Loosely(t, info.UUID, should.Equal("9fceb02d-1234-5678-9abc-def012345678"))
			assert.Loosely(t, info.Revision, should.Equal(125551))
			assert.Loosely(t, info.LastChangedRev, should.Equal(125003))
		})

		t.Run("missing Last Changed Rev is an error", func(t *ftt.Test) {
			_, err := parseInfo([]string{"Path: widgets", "Revision: 12"})
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run("empty output is an error", func(t *ftt.Test) {
			_, err := parseInfo(nil)
			assert.Loosely(t, err, should.NotBeNil)
		})
	})
}

func TestProbeArgs(t *testing.T) {
	t.Parallel()

	ftt.Run("probeArgs", t, func(t *ftt.Test) {
		t.Run("anonymous", func(t *ftt.Test) {
			repo := &config.Repo{URL: "https://svn.example.com/repos/widgets"}
			assert.Loosely(t, probeArgs(repo), should.Match([]string{
				"svn", "info", "--non-interactive", "https://svn.example.com/repos/widgets",
			}))
		})
		t.Run("with credentials", func(t *ftt.Test) {
			repo := &config.Repo{URL: "https://svn.example.com/repos/widgets", Username: "u", Password: "p"}
			assert.Loosely(t, probeArgs(repo), should.Match([]string{
				"svn", "info", "--non-interactive", "--username", "u", "--password", "p",
				"https://svn.example.com/repos/widgets",
			}))
		})
	})
}

func TestClassifyTokens(t *testing.T) {
	t.Parallel()

	ftt.Run("output token classification", t, func(t *ftt.Test) {
		t.Run("transient", func(t *ftt.Test) {
			lines := []string{
				"Index mismatch: 4 != 5",
				"svn: E175002: Unable to connect to a repository at URL 'https://svn.example.com/repos'",
			}
			assert.Loosely(t, hasTransientToken(lines), should.BeTrue)
			assert.Loosely(t, hasAuthToken(lines), should.BeFalse)
		})

		t.Run("auth", func(t *ftt.Test) {
			lines := []string{"svn: E170001: Authorization failed"}
			assert.Loosely(t, hasAuthToken(lines), should.BeTrue)
			assert.Loosely(t, hasTransientToken(lines), should.BeFalse)
		})

		t.Run("clean output matches nothing", func(t *ftt.Test) {
			lines := []string{"r100 = 9fceb02db1f2a3c4 (refs/remotes/origin/trunk)"}
			assert.Loosely(t, hasTransientToken(lines), should.BeFalse)
			assert.Loosely(t, hasAuthToken(lines), should.BeFalse)
		})
	})
}

func TestCommittedRe(t *testing.T) {
	t.Parallel()

	ftt.Run("committedRe", t, func(t *ftt.Test) {
		t.Run("matches the per-revision commit line", func(t *ftt.Test) {
			assert.Loosely(t, committedRe.MatchString("r1234 = 9fceb02db1f2a3c4d5e6 (refs/remotes/origin/trunk)"), should.BeTrue)
			assert.Loosely(t, committedRe.MatchString("r1 = aaaaaaa (refs/remotes/git-svn)"), should.BeTrue)
		})
		t.Run("ignores everything else", func(t *ftt.Test) {
			assert.Loosely(t, committedRe.MatchString("\tA\ttrunk/README"), should.BeFalse)
			assert.Loosely(t, committedRe.MatchString("W: Ignoring error from SVN"), should.BeFalse)
			assert.Loosely(t, committedRe.MatchString("revision 1234"), should.BeFalse)
		})
	})
}
