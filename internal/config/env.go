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

// Package config loads the converter's configuration: process-wide settings
// from environment variables and the set of repositories to convert from
// the repos-to-convert YAML file.
package config

import (
	"strconv"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/environ"
)

// Defaults for optional environment variables.
const (
	DefaultReposToConvert = "/sg/repos-to-convert.yaml"
	DefaultSrcServeRoot   = "/sg/src-serve-root"
)

// BuildInfo is read-only build metadata passed through into logs.
type BuildInfo struct {
	Branch string
	Commit string
	Date   string
	Dirty  string
	Tag    string
}

// Env is the process-wide configuration resolved from environment
// variables. All fields have defaults; LoadEnv only fails on values present
// but unparseable or out of range.
type Env struct {
	LogLevel logging.Level

	Interval time.Duration // main loop tick

	MaxConcurrentGlobal    int
	MaxConcurrentPerServer int

	MaxCycles  int // 0 = unbounded
	MaxRetries int

	StatusMonitorInterval      time.Duration // 0 = disabled
	ConcurrencyMonitorInterval time.Duration // 0 = disabled

	TruncatedOutputMaxLines   int
	TruncatedOutputMaxLineLen int

	ReposToConvert string
	SrcServeRoot   string

	ShutdownGrace time.Duration

	LogRecentCommits int

	AllowInactivityTimeout bool
	InactivityTimeout      time.Duration

	Build BuildInfo
}

// LoadEnv resolves an Env from the given environment snapshot.
func LoadEnv(env environ.Env) (*Env, error) {
	e := &Env{
		LogLevel:                   logging.Info,
		Interval:                   3600 * time.Second,
		MaxConcurrentGlobal:        10,
		MaxConcurrentPerServer:     10,
		MaxCycles:                  0,
		MaxRetries:                 3,
		StatusMonitorInterval:      60 * time.Second,
		ConcurrencyMonitorInterval: 30 * time.Second,
		TruncatedOutputMaxLines:    20,
		TruncatedOutputMaxLineLen:  200,
		ReposToConvert:             DefaultReposToConvert,
		SrcServeRoot:               DefaultSrcServeRoot,
		ShutdownGrace:              30 * time.Second,
		LogRecentCommits:           0,
		AllowInactivityTimeout:     false,
		InactivityTimeout:          600 * time.Second,
	}

	var err error
	if v, ok := env.Lookup("LOG_LEVEL"); ok {
		if e.LogLevel, err = parseLevel(v); err != nil {
			return nil, err
		}
	}
	if err := loadSeconds(env, "REPO_CONVERTER_INTERVAL_SECONDS", &e.Interval, true); err != nil {
		return nil, err
	}
	if err := loadInt(env, "MAX_CONCURRENT_CONVERSIONS_GLOBAL", &e.MaxConcurrentGlobal, true); err != nil {
		return nil, err
	}
	if err := loadInt(env, "MAX_CONCURRENT_CONVERSIONS_PER_SERVER", &e.MaxConcurrentPerServer, true); err != nil {
		return nil, err
	}
	if err := loadInt(env, "MAX_CYCLES", &e.MaxCycles, false); err != nil {
		return nil, err
	}
	if err := loadInt(env, "MAX_RETRIES", &e.MaxRetries, false); err != nil {
		return nil, err
	}
	if err := loadSeconds(env, "STATUS_MONITOR_INTERVAL", &e.StatusMonitorInterval, false); err != nil {
		return nil, err
	}
	if err := loadSeconds(env, "CONCURRENCY_MONITOR_INTERVAL", &e.ConcurrencyMonitorInterval, false); err != nil {
		return nil, err
	}
	if err := loadInt(env, "TRUNCATED_OUTPUT_MAX_LINES", &e.TruncatedOutputMaxLines, true); err != nil {
		return nil, err
	}
	if err := loadInt(env, "TRUNCATED_OUTPUT_MAX_LINE_LENGTH", &e.TruncatedOutputMaxLineLen, true); err != nil {
		return nil, err
	}
	if v, ok := env.Lookup("REPOS_TO_CONVERT"); ok {
		e.ReposToConvert = v
	}
	if v, ok := env.Lookup("SRC_SERVE_ROOT"); ok {
		e.SrcServeRoot = v
	}
	if err := loadSeconds(env, "SHUTDOWN_GRACE_SECONDS", &e.ShutdownGrace, true); err != nil {
		return nil, err
	}
	if err := loadInt(env, "LOG_RECENT_COMMITS", &e.LogRecentCommits, false); err != nil {
		return nil, err
	}
	if v, ok := env.Lookup("ALLOW_INACTIVITY_TIMEOUT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Annotate(err, "ALLOW_INACTIVITY_TIMEOUT").Err()
		}
		e.AllowInactivityTimeout = b
	}
	if err := loadSeconds(env, "INACTIVITY_TIMEOUT_SECONDS", &e.InactivityTimeout, true); err != nil {
		return nil, err
	}

	e.Build = BuildInfo{
		Branch: env.Get("BUILD_BRANCH"),
		Commit: env.Get("BUILD_COMMIT"),
		Date:   env.Get("BUILD_DATE"),
		Dirty:  env.Get("BUILD_DIRTY"),
		Tag:    env.Get("BUILD_TAG"),
	}
	return e, nil
}

func parseLevel(v string) (logging.Level, error) {
	switch v {
	case "debug", "DEBUG":
		return logging.Debug, nil
	case "info", "INFO":
		return logging.Info, nil
	case "warning", "WARNING":
		return logging.Warning, nil
	case "error", "ERROR", "critical", "CRITICAL":
		return logging.Error, nil
	}
	return logging.Info, errors.Reason("LOG_LEVEL: unrecognized level %q", v).Err()
}

func loadInt(env environ.Env, key string, dst *int, positive bool) error {
	v, ok := env.Lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Annotate(err, "%s", key).Err()
	}
	if n < 0 || (positive && n == 0) {
		return errors.Reason("%s: value %d out of range", key, n).Err()
	}
	*dst = n
	return nil
}

func loadSeconds(env environ.Env, key string, dst *time.Duration, positive bool) error {
	n := int(*dst / time.Second)
	if err := loadInt(env, key, &n, positive); err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
