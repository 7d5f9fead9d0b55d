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
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sourcegraph/repo-converter/internal/runner"
)

// GetConfig reads one git config value from the repo; empty when unset.
func GetConfig(ctx context.Context, run *runner.Runner, path, key string) string {
	res := run.Run(ctx, runner.Spec{
		Args:  []string{"git", "-C", path, "config", "--get", key},
		Quiet: true,
	})
	if res.Status != runner.StatusOK || len(res.Output) == 0 {
		return ""
	}
	return res.Output[0]
}

// SetConfig writes one git config value, replacing prior values.
func SetConfig(ctx context.Context, run *runner.Runner, path, key, value string) bool {
	res := run.Run(ctx, runner.Spec{
		Args:  []string{"git", "-C", path, "config", "--replace-all", key, value},
		Quiet: true,
	})
	return res.Status == runner.StatusOK
}

// UnsetConfig removes a git config key; missing keys are fine.
func UnsetConfig(ctx context.Context, run *runner.Runner, path, key string) bool {
	res := run.Run(ctx, runner.Spec{
		Args:  []string{"git", "-C", path, "config", "--unset", key},
		Quiet: true,
	})
	return res.Status == runner.StatusOK
}

// ConfigureGlobal applies the process-wide git settings every child git
// command depends on when operating on shared storage: trust all
// directories regardless of owner, and a sane default branch name.
func ConfigureGlobal(ctx context.Context, run *runner.Runner) {
	run.Run(ctx, runner.Spec{
		Args:  []string{"git", "config", "--global", "--replace-all", "safe.directory", "*"},
		Quiet: true,
	})
	run.Run(ctx, runner.Spec{
		Args:  []string{"git", "config", "--global", "--replace-all", "init.defaultBranch", "main"},
		Quiet: true,
	})
}

// DeduplicateConfigFile rewrites the repo config file dropping exact
// duplicate lines. git svn appends duplicate entries on every run against
// some server layouts, and enough of them eventually breaks the fetch.
// Line order is preserved; only later duplicates are dropped.
func DeduplicateConfigFile(ctx context.Context, path string) error {
	cfgPath := filepath.Join(GitDir(path), "config")
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return errors.Annotate(err, "reading git config").Err()
	}

	seen := stringset.New(0)
	var out []byte
	var dropped int
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i != len(raw) && raw[i] != '\n' {
			continue
		}
		line := string(raw[start:i])
		start = i + 1
		trimmed := line
		if trimmed != "" && !seen.Add(trimmed) {
			dropped++
			continue
		}
		out = append(out, line...)
		if i != len(raw) {
			out = append(out, '\n')
		}
	}
	if dropped == 0 {
		return nil
	}
	logging.Debugf(ctx, "dropped %d duplicate git config lines in %s", dropped, cfgPath)
	return os.WriteFile(cfgPath, out, 0o644)
}
