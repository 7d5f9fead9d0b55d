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

	"github.com/danjacques/gofslock/fslock"

	"go.chromium.org/luci/common/logging"
)

// staleToolLocks are lock files the external tooling leaves behind when a
// previous run died mid-operation. Relative to the git directory.
var staleToolLocks = []string{
	"gc.pid",
	filepath.Join("svn", ".metadata.lock"),
	filepath.Join("svn", "refs", "remotes", "git-svn", "index.lock"),
	filepath.Join("svn", "refs", "remotes", "origin", "trunk", "index.lock"),
}

// ClearStaleLocks removes leftover tool lock files. Only call this after
// confirming no other process is operating on the repo; the caller holds
// the converter's own repo lock at that point. Returns how many were
// removed.
func ClearStaleLocks(ctx context.Context, path string) int {
	gitDir := GitDir(path)
	removed := 0
	for _, rel := range staleToolLocks {
		lockPath := filepath.Join(gitDir, rel)
		if _, err := os.Stat(lockPath); err != nil {
			continue
		}
		if err := os.Remove(lockPath); err != nil {
			logging.Errorf(ctx, "failed to remove stale lock file %s: %s", lockPath, err)
			continue
		}
		logging.Warningf(ctx, "removed stale lock file %s left by a previous run", lockPath)
		removed++
	}
	return removed
}

// LockRepo takes the converter's advisory lock for a repo directory. It
// fails fast with fslock.ErrLockHeld when another process (this container
// or a sibling sharing the serve root) is converting the same repo.
//
// The lock file lives next to the repo directory, not inside it, so the
// repo contents stay purely tool-owned.
func LockRepo(path string) (fslock.Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return fslock.Lock(path + ".converter-lock")
}
