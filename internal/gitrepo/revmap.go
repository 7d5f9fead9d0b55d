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
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Revision-map record sizes: a 4-byte big-endian SVN revision followed by
// the raw object id, whose length depends on the repository object format.
const (
	sha1RecordLen   = 4 + 20
	sha256RecordLen = 4 + 32
)

// RevMapTip returns the highest SVN revision recorded across the repo's
// revision-map files, or 0 when none exist. The files are read tail-first,
// skipping the all-zero padding records git svn leaves there.
func RevMapTip(path string) (int64, error) {
	gitDir := GitDir(path)
	recordLen := sha1RecordLen
	if objectFormat(gitDir) == "sha256" {
		recordLen = sha256RecordLen
	}

	var tip int64
	root := filepath.Join(gitDir, "svn", "refs", "remotes")
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".rev_map.") {
			return nil
		}
		rev, err := revMapFileTip(p, recordLen)
		if err != nil {
			return err
		}
		if rev > tip {
			tip = rev
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return tip, nil
}

// revMapFileTip reads the last non-padding record of one revision-map file.
func revMapFileTip(path string, recordLen int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Annotate(err, "opening revision map").Err()
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size == 0 {
		return 0, nil
	}
	if size%int64(recordLen) != 0 {
		return 0, errors.Reason("revision map %s: size %d is not a multiple of record length %d", path, size, recordLen).Err()
	}

	record := make([]byte, recordLen)
	for off := size - int64(recordLen); off >= 0; off -= int64(recordLen) {
		if _, err := f.ReadAt(record, off); err != nil {
			return 0, errors.Annotate(err, "reading revision map %s", path).Err()
		}
		if allZero(record[4:]) {
			continue
		}
		return int64(binary.BigEndian.Uint32(record[:4])), nil
	}
	return 0, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// objectFormat sniffs extensions.objectformat from the repo config file;
// empty or unreadable means the default sha1.
func objectFormat(gitDir string) string {
	raw, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "objectformat") {
			return strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ""
}
