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

package linux

// Syscall numbers for the riscv64 ABI (generic unistd numbering).
const (
	SYS_READ           = 63
	SYS_WRITE          = 64
	SYS_EXIT           = 93
	SYS_SCHED_YIELD    = 124
	SYS_KILL           = 129
	SYS_RT_SIGACTION   = 134
	SYS_RT_SIGPROCMASK = 135
	SYS_RT_SIGRETURN   = 139
	SYS_GETTIMEOFDAY   = 169
	SYS_GETPID         = 172
)

// MaxSyscallNum is the largest-numbered syscall the dispatch table accepts.
const MaxSyscallNum = 512
