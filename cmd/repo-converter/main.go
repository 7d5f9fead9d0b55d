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

// Command repo-converter supervises the conversion of remote
// version-control repositories (currently Subversion) into bare Git
// repositories on shared storage, where a downstream git server exposes
// them to the code-search platform.
//
// There are no subcommands; all control is via environment variables, the
// repos-to-convert YAML file, and Unix signals.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/logging/sdlogger"
	"go.chromium.org/luci/common/system/environ"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/common/tsmon/target"

	"github.com/sourcegraph/repo-converter/internal/config"
	"github.com/sourcegraph/repo-converter/internal/gitrepo"
	"github.com/sourcegraph/repo-converter/internal/redact"
	"github.com/sourcegraph/repo-converter/internal/supervisor"
)

// Exit codes for startup failures; 0 means a clean exit after MAX_CYCLES
// or a drained shutdown.
const (
	exitOK           = 0
	exitBadEnv       = 1
	exitBadReposFile = 2
	exitBadServeRoot = 3
)

func main() {
	os.Exit(mainImpl())
}

func mainImpl() int {
	textLogs := flag.Bool("text-logs", false, "log human-readable text instead of JSON lines (development only)")
	flag.Parse()

	sink := redact.NewSink()

	ctx := context.Background()
	if *textLogs {
		cfg := gologger.LoggerConfig{Out: sink.Writer(os.Stderr)}
		ctx = cfg.Use(ctx)
	} else {
		out := &sdlogger.Sink{Out: sink.Writer(os.Stdout)}
		ctx = logging.SetFactory(ctx, sdlogger.Factory(out, sdlogger.LogEntry{}, nil))
	}

	env, err := config.LoadEnv(environ.System())
	if err != nil {
		logging.Errorf(ctx, "invalid environment configuration: %s", err)
		return exitBadEnv
	}
	ctx = logging.SetLevel(ctx, env.LogLevel)

	hostname, _ := os.Hostname()
	fields := logging.Fields{"container_id": hostname}
	if env.Build.Tag != "" {
		fields["build_tag"] = env.Build.Tag
	}
	if env.Build.Commit != "" {
		fields["build_commit"] = env.Build.Commit
	}
	ctx = logging.SetFields(ctx, fields)
	logging.Infof(ctx, "starting repo-converter (branch=%q date=%q dirty=%q)",
		env.Build.Branch, env.Build.Date, env.Build.Dirty)

	if err := checkServeRoot(env.SrcServeRoot); err != nil {
		logging.Errorf(ctx, "serve root %s is not writable: %s", env.SrcServeRoot, err)
		return exitBadServeRoot
	}

	// Pre-flight the repos file so a missing or unparseable config fails
	// the container start instead of the first cycle.
	if _, err := config.LoadRepos(ctx, env.ReposToConvert, sink, env); err != nil {
		logging.Errorf(ctx, "cannot load repos to convert: %s", err)
		return exitBadReposFile
	}

	tsmonFlags := tsmon.NewFlags()
	tsmonFlags.Flush = tsmon.FlushAuto
	tsmonFlags.Target.TargetType = target.TaskType
	tsmonFlags.Target.TaskServiceName = "repo-converter"
	tsmonFlags.Target.TaskJobName = hostname
	if err := tsmon.InitializeFromFlags(ctx, &tsmonFlags); err != nil {
		logging.Warningf(ctx, "tsmon initialization failed, metrics disabled: %s", err)
	} else {
		defer tsmon.Shutdown(ctx)
	}

	sup := supervisor.New(env, sink)
	gitrepo.ConfigureGlobal(ctx, sup.Runner())

	if err := sup.Run(ctx); err != nil {
		logging.Errorf(ctx, "supervisor failed: %s", err)
		return exitBadReposFile
	}
	logging.Infof(ctx, "stopping repo-converter")
	return exitOK
}

// checkServeRoot ensures the state directory exists and is writable.
func checkServeRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".repo-converter-write-check")
	if err := os.WriteFile(probe, []byte(fmt.Sprintf("pid %d\n", os.Getpid())), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
