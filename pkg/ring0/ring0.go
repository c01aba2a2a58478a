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

// Package ring0 provides the supervisor trap surface.
//
// It fixes the privileged end of every address space: a trampoline page
// shared by the kernel and all tasks, the per-task trap context and user
// stub pages below it, and the kernel stack carving. The trampoline and
// stub contents are rendered as machine code by this package; the platform
// installs them into guest frames and arms harts with the state held in
// CPU.
package ring0
