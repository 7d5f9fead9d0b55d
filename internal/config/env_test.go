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
	"testing"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/environ"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestLoadEnv(t *testing.T) {
	t.Parallel()

	ftt.Run("LoadEnv", t, func(t *ftt.Test) {
		t.Run("defaults", func(t *ftt.Test) {
			e, err := LoadEnv(environ.New(nil))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, e.LogLevel, should.Equal(logging.Info))
			assert.Loosely(t, e.Interval, should.Equal(3600*time.Second))
			assert.Loosely(t, e.MaxConcurrentGlobal, should.Equal(10))
			assert.Loosely(t, e.MaxConcurrentPerServer, should.Equal(10))
			assert.Loosely(t, e.MaxCycles, should.BeZero)
			assert.Loosely(t, e.MaxRetries, should.Equal(3))
			assert.Loosely(t, e.StatusMonitorInterval, should.Equal(60*time.Second))
			assert.Loosely(t, e.ConcurrencyMonitorInterval, should.Equal(30*time.Second))
			assert.Loosely(t, e.TruncatedOutputMaxLines, should.Equal(20))
			assert.Loosely(t, e.TruncatedOutputMaxLineLen, should.Equal(200))
			assert.Loosely(t, e.ReposToConvert, should.Equal(DefaultReposToConvert))
			assert.Loosely(t, e.SrcServeRoot, should.Equal(DefaultSrcServeRoot))
			assert.Loosely(t, e.AllowInactivityTimeout, should.BeFalse)
		})

		t.Run("overrides", func(t *ftt.Test) {
			e, err := LoadEnv(environ.New([]string{
				"LOG_LEVEL=debug",
				"REPO_CONVERTER_INTERVAL_SECONDS=60",
				"MAX_CONCURRENT_CONVERSIONS_GLOBAL=3",
				"MAX_CYCLES=5",
				"ALLOW_INACTIVITY_TIMEOUT=true",
				"INACTIVITY_TIMEOUT_SECONDS=120",
				"BUILD_TAG=v1.2.3",
			}))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, e.LogLevel, should.Equal(logging.Debug))
			assert.Loosely(t, e.Interval, should.Equal(time.Minute))
			assert.Loosely(t, e.MaxConcurrentGlobal, should.Equal(3))
			assert.Loosely(t, e.MaxCycles, should.Equal(5))
			assert.Loosely(t, e.AllowInactivityTimeout, should.BeTrue)
			assert.Loosely(t, e.InactivityTimeout, should.Equal(2*time.Minute))
			assert.Loosely(t, e.Build.Tag, should.Equal("v1.2.3"))
		})

		t.Run("rejects garbage", func(t *ftt.Test) {
			_, err := LoadEnv(environ.New([]string{"MAX_CYCLES=banana"}))
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run("rejects zero where a positive value is required", func(t *ftt.Test) {
			_, err := LoadEnv(environ.New([]string{"REPO_CONVERTER_INTERVAL_SECONDS=0"}))
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run("rejects unknown log levels", func(t *ftt.Test) {
			_, err := LoadEnv(environ.New([]string{"LOG_LEVEL=verbose"}))
			assert.Loosely(t, err, should.NotBeNil)
		})
	})
}
