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

package kernel

import (
	"rvisor.dev/rvisor/pkg/abi/linux"
	"rvisor.dev/rvisor/pkg/sentry/arch"
)

// SignalInfoPriv returns a SignalInfo representing a signal sent by the
// kernel itself, equivalent to Linux's SEND_SIG_PRIV.
func SignalInfoPriv(sig linux.Signal) *arch.SignalInfo {
	return &arch.SignalInfo{
		Signo: int32(sig),
		Code:  arch.SignalInfoKernel,
	}
}

// SignalInfoNoInfo returns a SignalInfo representing a signal sent by a
// task with kill, equivalent to Linux's SEND_SIG_NOINFO.
func SignalInfoNoInfo(sig linux.Signal, sender *Task) *arch.SignalInfo {
	info := &arch.SignalInfo{
		Signo: int32(sig),
		Code:  arch.SignalInfoUser,
	}
	if sender != nil {
		info.SetPID(int32(sender.tid))
		info.SetUID(0)
	}
	return info
}
