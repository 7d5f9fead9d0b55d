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

// Package gitrepo reads and maintains the converted Git repositories.
//
// The on-disk conversion state (Git refs, the git-svn metadata file, the
// revision-map files) is owned by the external tooling; this package reads
// it to judge progress and performs the local-only maintenance that makes
// converted refs visible to the serving layer.
package gitrepo

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sourcegraph/repo-converter/internal/runner"
)

// GitDir resolves the git directory for a repo path: the `.git`
// subdirectory when present, else the path itself (bare layout).
func GitDir(path string) string {
	dotGit := filepath.Join(path, ".git")
	if fi, err := os.Stat(dotGit); err == nil && fi.IsDir() {
		return dotGit
	}
	return path
}

// Exists reports whether a converted repo already exists at path, judged
// by the presence of the git-svn remote configuration.
func Exists(ctx context.Context, run *runner.Runner, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	res := run.Run(ctx, runner.Spec{
		Args:  []string{"git", "-C", path, "config", "--get", "svn-remote.svn.url"},
		Quiet: true,
	})
	return res.Status == runner.StatusOK && len(res.Output) > 0
}

// gitSVNIDRe matches the trailer git svn appends to every converted
// commit message, e.g. "git-svn-id: https://host/repo/trunk@1234 <uuid>".
var gitSVNIDRe = regexp.MustCompile(`git-svn-id: \S+@(\d+) `)

// TipRevision returns the SVN revision of the repo's tip commit, or 0 when
// the repo has no commits yet.
func TipRevision(ctx context.Context, run *runner.Runner, path string) (int64, error) {
	res := run.Run(ctx, runner.Spec{
		Args:  []string{"git", "-C", path, "log", "-1", "--format=%B"},
		Quiet: true,
	})
	if res.Status == runner.StatusSpawnError {
		return 0, errors.Annotate(res.SpawnErr, "git log").Err()
	}
	if res.Status != runner.StatusOK {
		// No commits yet (unborn HEAD) is the expected state for a fresh
		// clone, not an error.
		return 0, nil
	}
	// The trailer is the last git-svn-id line of the message.
	var rev int64
	for _, line := range res.Output {
		if m := gitSVNIDRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				rev = n
			}
		}
	}
	return rev, nil
}

// Metadata is the subset of the git-svn metadata file consulted for
// progress checks.
type Metadata struct {
	BranchesMaxRev int64
	TagsMaxRev     int64
}

// ReadMetadata parses `svn/.metadata` under the git directory. A missing
// file yields zero values: git svn has simply not scanned anything yet.
func ReadMetadata(path string) (Metadata, error) {
	var md Metadata
	f, err := os.Open(filepath.Join(GitDir(path), "svn", ".metadata"))
	if err != nil {
		if os.IsNotExist(err) {
			return md, nil
		}
		return md, errors.Annotate(err, "opening git-svn metadata").Err()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "branches-maxRev":
			md.BranchesMaxRev = n
		case "tags-maxRev":
			md.TagsMaxRev = n
		}
	}
	return md, scanner.Err()
}

// batchEndKey is the git config key recording the upper bound of the last
// completed fetch window.
const batchEndKey = "repo-converter.batch-end-revision"

// BatchEndRevision reads the recorded fetch-window upper bound; 0 when
// unset.
func BatchEndRevision(ctx context.Context, run *runner.Runner, path string) int64 {
	v := GetConfig(ctx, run, path, batchEndKey)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logging.Warningf(ctx, "unparseable %s value %q in %s", batchEndKey, v, path)
		return 0
	}
	return n
}

// SetBatchEndRevision records the fetch-window upper bound.
func SetBatchEndRevision(ctx context.Context, run *runner.Runner, path string, rev int64) {
	SetConfig(ctx, run, path, batchEndKey, strconv.FormatInt(rev, 10))
}
