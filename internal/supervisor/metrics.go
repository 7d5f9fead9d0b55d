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

package supervisor

import (
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	cycles = metric.NewCounter(
		"repo_converter/cycles",
		"Completed main-loop cycles.",
		nil)

	jobOutcomes = metric.NewCounter(
		"repo_converter/job/outcomes",
		"Terminal outcomes of conversion jobs.",
		nil,
		field.String("outcome"))

	activeJobs = metric.NewInt(
		"repo_converter/jobs/active",
		"Conversion jobs currently running.",
		nil)

	slotsActive = metric.NewInt(
		"repo_converter/slots/active",
		"Concurrency slots currently held, by scope.",
		nil,
		field.String("scope"))
)
