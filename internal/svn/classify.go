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

package svn

import "strings"

// Output tokens the tools print on failures worth retrying. The exit code
// of git svn is untrusted, so these are matched against captured output.
var transientTokens = []string{
	"Connection timed out",
	"Connection refused",
	"Connection reset",
	"Unable to connect to a repository",
	"Can't create session",
	"Error running context",
	"connection was closed",
	"svn: E175002",
	"502 Bad Gateway",
	"503 Service Unavailable",
	"429 Too Many Requests",
}

// Tokens indicating the credentials are wrong. Retried without shrinking
// the fetch window: a smaller window does not fix a bad password.
var authTokens = []string{
	"Authentication failed",
	"Authorization failed",
	"authorization failed",
	"svn: E170001",
	"svn: E215004",
	"401 Unauthorized",
	"403 Forbidden",
}

func hasTransientToken(lines []string) bool {
	return hasAnyToken(lines, transientTokens)
}

func hasAuthToken(lines []string) bool {
	return hasAnyToken(lines, authTokens)
}

func hasAnyToken(lines, tokens []string) bool {
	for _, line := range lines {
		for _, tok := range tokens {
			if strings.Contains(line, tok) {
				return true
			}
		}
	}
	return false
}
