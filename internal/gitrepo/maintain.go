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

package gitrepo

import (
	"context"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"

	"github.com/sourcegraph/repo-converter/internal/config"
	"github.com/sourcegraph/repo-converter/internal/runner"
)

// Ref prefixes git svn writes converted refs under.
const (
	remotePrefix    = "refs/remotes/"
	remoteOrigin    = "refs/remotes/origin/"
	remoteOriginTag = "refs/remotes/origin/tags/"
	gitSVNRef       = "refs/remotes/git-svn"
	originTrunkRef  = "refs/remotes/origin/trunk"
)

// Maintain makes a freshly fetched repo servable: converted remote refs
// become local branches and tags, HEAD points at the configured default
// branch, and the object store is optionally compacted.
//
// All work is local filesystem work. The returned count is the number of
// warnings raised (ref collisions, fallbacks); callers demote a successful
// job to done_with_warnings when it is non-zero.
func Maintain(ctx context.Context, run *runner.Runner, repo *config.Repo, path string, gc bool) int {
	warnings := promoteRefs(ctx, run, repo, path)
	warnings += setHead(ctx, run, repo, path)
	if gc {
		res := run.Run(ctx, runner.Spec{
			Args:    []string{"git", "-C", path, "gc", "--quiet"},
			RepoKey: repo.Key,
			Quiet:   true,
		})
		if res.Status != runner.StatusOK {
			logging.Warningf(ctx, "git gc failed for %s", repo.Key)
			warnings++
		}
	}
	return warnings
}

// promotion is one remote ref to surface locally.
type promotion struct {
	target string // refs/heads/... or refs/tags/...
	oid    string
	source string // the remote ref it came from
}

// promoteRefs copies converted remote refs to local branch and tag refs.
// Collisions resolve by precedence: trunk first, then the remaining remote
// refs in the order for-each-ref lists them (by ref name); the configured
// branches and tags lists are not consulted for ordering. Every collision
// is logged rather than silently dropped.
func promoteRefs(ctx context.Context, run *runner.Runner, repo *config.Repo, path string) int {
	res := run.Run(ctx, runner.Spec{
		Args:    []string{"git", "-C", path, "for-each-ref", "--format=%(objectname) %(refname)", remotePrefix},
		RepoKey: repo.Key,
		Quiet:   true,
	})
	if res.Status != runner.StatusOK {
		logging.Warningf(ctx, "listing remote refs failed for %s", repo.Key)
		return 1
	}

	remote := map[string]string{} // refname -> oid
	var order []string
	for _, line := range res.Output {
		oid, ref, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		remote[ref] = oid
		order = append(order, ref)
	}

	var promotions []promotion

	// Trunk first: it names the default branch.
	defaultBranch := "refs/heads/" + repo.GitDefaultBranch
	for _, trunkRef := range []string{gitSVNRef, originTrunkRef} {
		if oid, ok := remote[trunkRef]; ok {
			promotions = append(promotions, promotion{target: defaultBranch, oid: oid, source: trunkRef})
			break
		}
	}

	if !repo.DefaultBranchOnly {
		for _, ref := range order {
			oid := remote[ref]
			name := ""
			var target string
			switch {
			case ref == gitSVNRef || ref == originTrunkRef:
				continue
			case strings.HasPrefix(ref, remoteOriginTag):
				name = strings.TrimPrefix(ref, remoteOriginTag)
				target = "refs/tags/" + name
			case strings.HasPrefix(ref, remoteOrigin):
				name = strings.TrimPrefix(ref, remoteOrigin)
				target = "refs/heads/" + name
			default:
				continue
			}
			// Revision-pegged refs like branch@1234 are git svn bookkeeping,
			// not branches anyone wants served.
			if strings.Contains(name, "@") {
				continue
			}
			promotions = append(promotions, promotion{target: target, oid: oid, source: ref})
		}
	}

	warnings := 0
	claimed := stringset.New(len(promotions))
	for _, p := range promotions {
		if !claimed.Add(p.target) {
			logging.Warningf(ctx, "ref collision on %s: dropping %s by precedence", p.target, p.source)
			warnings++
			continue
		}
		res := run.Run(ctx, runner.Spec{
			Args:    []string{"git", "-C", path, "update-ref", p.target, p.oid},
			RepoKey: repo.Key,
			Quiet:   true,
		})
		if res.Status != runner.StatusOK {
			logging.Warningf(ctx, "updating %s from %s failed", p.target, p.source)
			warnings++
		}
	}
	return warnings
}

// setHead points HEAD at the configured default branch, falling back to
// the first existing local branch when the configured one does not exist.
func setHead(ctx context.Context, run *runner.Runner, repo *config.Repo, path string) int {
	branch := "refs/heads/" + repo.GitDefaultBranch

	check := run.Run(ctx, runner.Spec{
		Args:    []string{"git", "-C", path, "show-ref", "--verify", "--quiet", branch},
		RepoKey: repo.Key,
		Quiet:   true,
	})
	warnings := 0
	if check.Status != runner.StatusOK {
		list := run.Run(ctx, runner.Spec{
			Args:    []string{"git", "-C", path, "for-each-ref", "--format=%(refname)", "refs/heads/"},
			RepoKey: repo.Key,
			Quiet:   true,
		})
		if list.Status != runner.StatusOK || len(list.Output) == 0 {
			logging.Warningf(ctx, "default branch %s missing and no local branches exist in %s", repo.GitDefaultBranch, repo.Key)
			return warnings + 1
		}
		logging.Warningf(ctx, "default branch %s missing in %s, falling back to %s", repo.GitDefaultBranch, repo.Key, list.Output[0])
		branch = list.Output[0]
		warnings++
	}

	res := run.Run(ctx, runner.Spec{
		Args:    []string{"git", "-C", path, "symbolic-ref", "HEAD", branch},
		RepoKey: repo.Key,
		Quiet:   true,
	})
	if res.Status != runner.StatusOK {
		logging.Warningf(ctx, "setting HEAD to %s failed in %s", branch, repo.Key)
		warnings++
	}
	return warnings
}
