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

// Package svn converts remote Subversion repositories into local Git
// repositories by driving the installed svn and git-svn tools.
package svn

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/sourcegraph/repo-converter/internal/config"
	"github.com/sourcegraph/repo-converter/internal/runner"
)

// probeTimeout bounds the wall clock of one svn info call. The probe is
// supposed to be cheap; a server that cannot answer it in this long is not
// going to survive a fetch either.
const probeTimeout = 2 * time.Minute

// Info is the parsed output of `svn info` against the configured URL.
type Info struct {
	URL  string
	Root string
	UUID string
	// Revision is the repository-wide tip.
	Revision int64
	// LastChangedRev is the tip of the subtree in scope: the authoritative
	// "is there new work" signal even when the whole repository has a
	// higher global revision.
	LastChangedRev int64
}

// probe runs `svn info`, retrying transient failures with exponential
// backoff. Authentication failures are not transient: rotating a smaller
// retry window at them fixes nothing, so they surface immediately.
func (w *Worker) probe(ctx context.Context, repo *config.Repo) (*Info, error) {
	var info *Info
	err := retry.Retry(ctx, transient.Only(func() retry.Iterator {
		return &retry.ExponentialBackoff{
			Limited: retry.Limited{
				Delay:   time.Second,
				Retries: repo.MaxRetries,
			},
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
		}
	}), func() error {
		res := w.Runner.Run(ctx, runner.Spec{
			Args:    probeArgs(repo),
			Timeout: probeTimeout,
			RepoKey: repo.Key,
			Stdin:   stdinFor(repo),
		})
		if res.Status == runner.StatusSpawnError {
			return errors.Annotate(res.SpawnErr, "svn info").Err()
		}
		if res.Status != runner.StatusOK {
			err := errors.Reason("svn info %s: %s", repo.Key, res.Status).Err()
			if hasAuthToken(res.Output) {
				return err
			}
			return transient.Tag.Apply(err)
		}
		parsed, err := parseInfo(res.Output)
		if err != nil {
			return transient.Tag.Apply(err)
		}
		info = parsed
		return nil
	}, retry.LogCallback(ctx, "svn-info"))
	if err != nil {
		return nil, err
	}
	return info, nil
}

func probeArgs(repo *config.Repo) []string {
	args := []string{"svn", "info", "--non-interactive"}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}
	if repo.Password != "" {
		args = append(args, "--password", repo.Password)
	}
	return append(args, repo.URL)
}

// stdinFor echoes the password on stdin for tools that prompt for it.
func stdinFor(repo *config.Repo) string {
	if repo.Password == "" {
		return ""
	}
	return repo.Password + "\n"
}

// parseInfo extracts the fields of interest from svn info output.
func parseInfo(lines []string) (*Info, error) {
	info := &Info{}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "URL":
			info.URL = value
		case "Repository Root":
			info.Root = value
		case "Repository UUID":
			info.UUID = value
		case "Revision":
			info.Revision, _ = strconv.ParseInt(value, 10, 64)
		case "Last Changed Rev":
			info.LastChangedRev, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if info.LastChangedRev == 0 {
		return nil, errors.Reason("svn info output has no Last Changed Rev").Err()
	}
	return info, nil
}

var logRevisionRe = regexp.MustCompile(`revision="(\d+)"`)

// firstRevision asks the server for the first real revision touching the
// configured subtree. A fresh clone otherwise starts at revision 0 and
// issues very many empty server requests before reaching real history.
func (w *Worker) firstRevision(ctx context.Context, repo *config.Repo) (int64, error) {
	args := []string{"svn", "log", "--xml", "--with-no-revprops", "--non-interactive", "--limit", "1", "--revision", "1:HEAD"}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}
	if repo.Password != "" {
		args = append(args, "--password", repo.Password)
	}
	args = append(args, repo.URL)

	res := w.Runner.Run(ctx, runner.Spec{
		Args:    args,
		Timeout: probeTimeout,
		RepoKey: repo.Key,
		Stdin:   stdinFor(repo),
		Quiet:   true,
	})
	if res.Status != runner.StatusOK {
		return 0, errors.Reason("svn log for first revision: %s", res.Status).Err()
	}
	for _, line := range res.Output {
		if m := logRevisionRe.FindStringSubmatch(line); m != nil {
			return strconv.ParseInt(m[1], 10, 64)
		}
	}
	return 0, errors.Reason("svn log output has no revision").Err()
}

// logRecentCommits logs the n most recent remote revisions at debug, to
// let an operator eyeball that an up-to-date repo really is up to date.
func (w *Worker) logRecentCommits(ctx context.Context, repo *config.Repo, n int) {
	args := []string{"svn", "log", "--xml", "--with-no-revprops", "--non-interactive", "--limit", strconv.Itoa(n)}
	if repo.Username != "" {
		args = append(args, "--username", repo.Username)
	}
	if repo.Password != "" {
		args = append(args, "--password", repo.Password)
	}
	args = append(args, repo.URL)

	res := w.Runner.Run(ctx, runner.Spec{
		Args:    args,
		Timeout: probeTimeout,
		RepoKey: repo.Key,
		Stdin:   stdinFor(repo),
		Quiet:   true,
	})
	if res.Status == runner.StatusOK {
		logging.Debugf(ctx, "%d most recent remote revisions:\n%s", n, strings.Join(res.Output, "\n"))
	}
}

// sleepJittered sleeps for d plus up to 50% random jitter, returning false
// when interrupted by shutdown.
func sleepJittered(ctx context.Context, d time.Duration) bool {
	d += time.Duration(mathrand.Int63n(ctx, int64(d)/2+1))
	return clock.Sleep(ctx, d).Err == nil
}
