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

package arch

import (
	"context"

	"rvisor.dev/rvisor/pkg/errors/linuxerr"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/usermem"
)

// Stack is a simple wrapper around user stack memory and a current bottom.
// The stack grows downwards: pushes decrement Bottom.
type Stack struct {
	// IO is used to write records to the stack.
	IO usermem.IO

	// Bottom is the current lowest live address on the stack.
	Bottom hostarch.Addr
}

// PushTrapContext pushes the in-memory image of tc and returns its address,
// which becomes the new Bottom.
func (s *Stack) PushTrapContext(ctx context.Context, tc *TrapContext) (hostarch.Addr, error) {
	addr := s.Bottom - TrapContextSize
	if addr > s.Bottom {
		// Wrapped around zero.
		return 0, linuxerr.EFAULT
	}
	if err := tc.CopyOut(ctx, s.IO, addr); err != nil {
		return 0, err
	}
	s.Bottom = addr
	return addr, nil
}
