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
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/sourcegraph/repo-converter/internal/redact"
)

// LayoutStandard is the sentinel value of the `layout` key selecting the
// conventional trunk/branches/tags layout.
const LayoutStandard = "standard"

// Layout maps the SVN directory layout to Git refs.
type Layout struct {
	Standard bool
	Trunk    string
	Branches []string
	Tags     []string
}

// Repo is one fully-resolved repository to convert. All defaults from the
// global and server levels of the config file are already merged in.
type Repo struct {
	// Key uniquely identifies the repo process-wide. Derived from
	// (code-host-name, git-org-name, git-repo-name) so that edits to the
	// config file do not silently fork a repo into two on-disk clones.
	Key string

	// ServerKey names the group the repo was declared under; per-server
	// concurrency slots are counted against it.
	ServerKey string

	Type         string
	URL          string
	CodeHostName string
	GitOrgName   string
	GitRepoName  string
	// RepoRootURL is the scheme://host prefix of URL.
	RepoRootURL string

	Username string
	Password string

	Layout            Layout
	GitDefaultBranch  string
	BareClone         bool
	DefaultBranchOnly bool

	FetchBatchSize int
	FetchInterval  time.Duration // 0 = every cycle

	AuthorsFilePath string
	AuthorsProgPath string
	IgnoreFilePath  string

	MaxRetries int

	// MaxConcurrentServer is the per-server slot cap override declared at
	// the server level; 0 means use the process default.
	MaxConcurrentServer int
}

// LocalPath returns the repo's on-disk directory under the serve root.
func (r *Repo) LocalPath(serveRoot string) string {
	return filepath.Join(serveRoot, sanitizeSegment(r.CodeHostName), sanitizeSegment(r.GitOrgName), sanitizeSegment(r.GitRepoName))
}

// Repos is an immutable snapshot of the repository store, replaced
// atomically each cycle.
type Repos struct {
	// Order holds repo keys in declaration order; the scheduler walks it.
	Order []string
	ByKey map[string]*Repo
}

// Len returns the number of declared repos.
func (r *Repos) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Order)
}

var sourceRepoTypes = stringset.NewFromSlice("svn", "tfvc", "git")

// Keys recognized at any level of the config file. Unknown keys are warned
// about, never rejected.
var knownKeys = stringset.NewFromSlice(
	"type", "url", "repo-parent-url",
	"code-host-name", "git-org-name", "git-repo-name",
	"username", "password",
	"bare-clone", "git-default-branch", "default-branch-only",
	"fetch-batch-size", "fetch-interval-seconds",
	"layout", "trunk", "branches", "tags",
	"git-ignore-file-path", "authors-file-path", "authors-prog-path",
	"max-retries", "max-concurrent-conversions",
)

// LoadRepos parses the repos-to-convert file into a snapshot. Secrets are
// registered with the redaction sink as they are read. defaults supplies
// process-level fallbacks (MaxRetries); the fetch batch size defaults to
// 100 when no level of the file sets it.
//
// A malformed file is an error; individually malformed server or repo
// entries are logged and skipped so one bad entry cannot take down the
// whole store.
func LoadRepos(ctx context.Context, path string, sink *redact.Sink, defaults *Env) (*Repos, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading repos file %q", path).Err()
	}

	var top yaml.MapSlice
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return nil, errors.Annotate(err, "parsing repos file %q", path).Err()
	}

	global := level{}
	snapshot := &Repos{ByKey: map[string]*Repo{}}

	// The global block applies to every server, so find it first no matter
	// where it appears in the file.
	for _, item := range top {
		name := fmt.Sprint(item.Key)
		if strings.EqualFold(name, "global") || strings.EqualFold(name, "globals") {
			global = parseLevel(ctx, name, item.Value)
		}
	}

	for _, item := range top {
		serverKey := fmt.Sprint(item.Key)
		if strings.EqualFold(serverKey, "global") || strings.EqualFold(serverKey, "globals") {
			continue
		}
		loadServer(ctx, snapshot, serverKey, item.Value, global, sink, defaults)
	}

	logging.Debugf(ctx, "loaded %d repos from %s", snapshot.Len(), path)
	return snapshot, nil
}

func loadServer(ctx context.Context, snapshot *Repos, serverKey string, block interface{}, global level, sink *redact.Sink, defaults *Env) {
	ctx = logging.SetField(ctx, "server_key", serverKey)

	serverSlice, ok := block.(yaml.MapSlice)
	if !ok {
		logging.Errorf(ctx, "server %q is not a mapping, skipping", serverKey)
		return
	}
	serverLevel := parseLevel(ctx, serverKey, serverSlice)

	var repoEntries []interface{}
	for _, item := range serverSlice {
		if fmt.Sprint(item.Key) != "repos" {
			continue
		}
		switch v := item.Value.(type) {
		case []interface{}:
			repoEntries = v
		case string:
			repoEntries = []interface{}{v}
		default:
			logging.Errorf(ctx, "server %q: repos is neither a list nor a string, skipping", serverKey)
			return
		}
	}
	if len(repoEntries) == 0 {
		logging.Errorf(ctx, "server %q has no repos, skipping", serverKey)
		return
	}

	for _, entry := range repoEntries {
		name, repoLevel, err := parseRepoEntry(ctx, entry)
		if err != nil {
			logging.Errorf(ctx, "server %q: %s", serverKey, err)
			continue
		}
		merged := mergeLevels(global, serverLevel, repoLevel)
		repo, err := buildRepo(ctx, serverKey, name, merged, sink, defaults)
		if err != nil {
			logging.Errorf(ctx, "repo %q under server %q: %s", name, serverKey, err)
			continue
		}
		if prev, dup := snapshot.ByKey[repo.Key]; dup {
			logging.Errorf(ctx, "repo key %q from server %q collides with repo declared under server %q, skipping the later declaration",
				repo.Key, serverKey, prev.ServerKey)
			continue
		}
		snapshot.ByKey[repo.Key] = repo
		snapshot.Order = append(snapshot.Order, repo.Key)
	}
}

// level is one merge layer of config keys. Values keep their YAML types;
// coercion happens when the final Repo is built.
type level map[string]interface{}

func parseLevel(ctx context.Context, name string, block interface{}) level {
	out := level{}
	slice, ok := block.(yaml.MapSlice)
	if !ok {
		if block != nil {
			logging.Warningf(ctx, "config block %q is not a mapping, ignoring", name)
		}
		return out
	}
	for _, item := range slice {
		key := fmt.Sprint(item.Key)
		if key == "repos" {
			continue
		}
		if !knownKeys.Has(key) {
			logging.Warningf(ctx, "unknown config key %q under %q, ignoring", key, name)
			continue
		}
		out[key] = item.Value
	}
	return out
}

func parseRepoEntry(ctx context.Context, entry interface{}) (string, level, error) {
	switch v := entry.(type) {
	case string:
		return v, level{}, nil
	case yaml.MapSlice:
		if len(v) != 1 {
			return "", nil, errors.Reason("repo entry must be a name or a single-key mapping, got %d keys", len(v)).Err()
		}
		name := fmt.Sprint(v[0].Key)
		return name, parseLevel(ctx, name, v[0].Value), nil
	default:
		return "", nil, errors.Reason("repo entry has unsupported type %T", entry).Err()
	}
}

// mergeLevels merges layers with later layers winning: repo-level beats
// server-level beats global-level.
func mergeLevels(layers ...level) level {
	out := level{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func buildRepo(ctx context.Context, serverKey, name string, m level, sink *redact.Sink, defaults *Env) (*Repo, error) {
	r := &Repo{
		ServerKey:        serverKey,
		GitRepoName:      name,
		GitDefaultBranch: "trunk",
		BareClone:        true,
		FetchBatchSize:   100,
		MaxRetries:       defaults.MaxRetries,
	}

	r.Type = strings.ToLower(asString(m["type"]))
	if r.Type == "" {
		return nil, errors.Reason("missing required key: type").Err()
	}
	if !sourceRepoTypes.Has(r.Type) {
		return nil, errors.Reason("unsupported type %q", r.Type).Err()
	}

	switch {
	case asString(m["url"]) != "":
		r.URL = strings.TrimRight(asString(m["url"]), "/")
	case asString(m["repo-parent-url"]) != "":
		r.URL = strings.TrimRight(asString(m["repo-parent-url"]), "/") + "/" + name
	default:
		return nil, errors.Reason("missing required key: url or repo-parent-url").Err()
	}

	parsed, err := url.Parse(r.URL)
	if err != nil || parsed.Hostname() == "" {
		return nil, errors.Reason("unparseable url %q", r.URL).Err()
	}
	r.RepoRootURL = parsed.Scheme + "://" + parsed.Host

	r.CodeHostName = asString(m["code-host-name"])
	if r.CodeHostName == "" {
		r.CodeHostName = parsed.Hostname()
	}
	r.GitOrgName = asString(m["git-org-name"])
	if r.GitOrgName == "" {
		r.GitOrgName = serverKey
	}
	if v := asString(m["git-repo-name"]); v != "" {
		r.GitRepoName = v
	}

	r.Username = asString(m["username"])
	r.Password = asString(m["password"])
	if r.Username != "" {
		sink.Register(r.Username)
	}
	if r.Password != "" {
		sink.Register(r.Password)
	}

	if err := buildLayout(m, &r.Layout); err != nil {
		return nil, err
	}

	if v := asString(m["git-default-branch"]); v != "" {
		r.GitDefaultBranch = v
	}
	if v, ok := asBool(m["bare-clone"]); ok {
		r.BareClone = v
	}
	if v, ok := asBool(m["default-branch-only"]); ok {
		r.DefaultBranchOnly = v
	}
	if v, ok := asInt(m["fetch-batch-size"]); ok {
		if v <= 0 {
			return nil, errors.Reason("fetch-batch-size must be positive, got %d", v).Err()
		}
		r.FetchBatchSize = v
	}
	if v, ok := asInt(m["fetch-interval-seconds"]); ok {
		if v < 0 {
			return nil, errors.Reason("fetch-interval-seconds must not be negative, got %d", v).Err()
		}
		r.FetchInterval = time.Duration(v) * time.Second
	}
	r.AuthorsFilePath = asString(m["authors-file-path"])
	r.AuthorsProgPath = asString(m["authors-prog-path"])
	r.IgnoreFilePath = asString(m["git-ignore-file-path"])
	if v, ok := asInt(m["max-retries"]); ok {
		if v < 0 {
			return nil, errors.Reason("max-retries must not be negative, got %d", v).Err()
		}
		r.MaxRetries = v
	}
	if v, ok := asInt(m["max-concurrent-conversions"]); ok {
		if v <= 0 {
			return nil, errors.Reason("max-concurrent-conversions must be positive, got %d", v).Err()
		}
		r.MaxConcurrentServer = v
	}

	r.Key = DeriveRepoKey(r.CodeHostName, r.GitOrgName, r.GitRepoName)
	return r, nil
}

func buildLayout(m level, l *Layout) error {
	shortcut := asString(m["layout"])
	trunk := asString(m["trunk"])
	branches := asStringList(m["branches"])
	tags := asStringList(m["tags"])

	explicit := trunk != "" || len(branches) > 0 || len(tags) > 0
	if shortcut != "" && explicit {
		return errors.Reason("layout %q conflicts with explicit trunk/branches/tags", shortcut).Err()
	}
	if explicit {
		*l = Layout{Trunk: trunk, Branches: branches, Tags: tags}
		return nil
	}
	// Only the standard shortcut is supported (also accepted spelled with
	// "std", as in stdlayout); no shortcut at all means standard, and any
	// other shortcut is an error that skips the repo.
	*l = Layout{Standard: true}
	if shortcut != "" && !strings.Contains(shortcut, "std") && shortcut != LayoutStandard {
		return errors.Reason("unsupported layout shortcut %q, use %q or explicit trunk/branches/tags", shortcut, LayoutStandard).Err()
	}
	return nil
}

// DeriveRepoKey builds the stable repo key from the code host, org, and
// repo name. Each segment is sanitized to be filesystem- and URL-safe, so
// the key doubles as the on-disk relative path.
func DeriveRepoKey(codeHost, org, name string) string {
	return sanitizeSegment(codeHost) + "/" + sanitizeSegment(org) + "/" + sanitizeSegment(name)
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unknown"
	}
	return out
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true", "yes", "on", "1":
			return true, true
		case "false", "no", "off", "0":
			return false, true
		}
	}
	return false, false
}

func asStringList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
