// Copyright 2024 The rvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version holds a string containing version information for runrv.
package version

// version is stamped at link time, e.g.
//
//	-ldflags "-X rvisor.dev/rvisor/runrv/version.version=1.0"
var version = ""

// Version returns the stamped version, or a placeholder for unstamped
// builds.
func Version() string {
	if version == "" {
		return "unknown"
	}
	return version
}
