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

// Package interrupt provides an interrupt forwarding helper for platform
// implementations of Context.Interrupt.
package interrupt

import (
	"fmt"
	"sync"
)

// Receiver receives interrupt notifications from a Forwarder.
type Receiver interface {
	// NotifyInterrupt is called when the Receiver receives an interrupt.
	NotifyInterrupt()
}

// Forwarder forwards interrupts to a Receiver while one is attached, and
// latches them while none is. It bridges the gap between Context.Interrupt,
// which may fire at any time, and the window during which a hart is actually
// running and able to take one.
//
// The zero value is a Forwarder with no attached Receiver and no pending
// interrupt.
type Forwarder struct {
	// mu protects the below.
	mu sync.Mutex

	// dst is the Receiver interrupts are forwarded to. If dst is nil,
	// NotifyInterrupt sets pending instead, causing the next call to
	// Enable to consume it and return false.
	dst Receiver

	// pending is whether an interrupt arrived while no Receiver was
	// attached.
	pending bool
}

// Enable attempts to attach r and enable forwarding. If an interrupt arrived
// since the last Disable, Enable consumes it and returns false without
// attaching r. Otherwise subsequent calls to NotifyInterrupt invoke
// r.NotifyInterrupt, and Enable returns true.
//
// Usage:
//
//	if !f.Enable(r) {
//		// Pending interrupt; don't run.
//		return
//	}
//	defer f.Disable()
//
// Preconditions: r != nil. No Receiver is currently attached.
func (f *Forwarder) Enable(r Receiver) bool {
	if r == nil {
		panic("nil Receiver")
	}
	f.mu.Lock()
	if f.dst != nil {
		f.mu.Unlock()
		panic(fmt.Sprintf("already forwarding to %+v", f.dst))
	}
	if f.pending {
		f.pending = false
		f.mu.Unlock()
		return false
	}
	f.dst = r
	f.mu.Unlock()
	return true
}

// Disable detaches the current Receiver and stops forwarding.
//
// Preconditions: A Receiver is currently attached.
func (f *Forwarder) Disable() {
	f.mu.Lock()
	if f.dst == nil {
		f.mu.Unlock()
		panic("not forwarding")
	}
	f.dst = nil
	f.mu.Unlock()
}

// NotifyInterrupt implements Receiver.NotifyInterrupt. It forwards the
// interrupt to the attached Receiver, or latches it if none is attached.
func (f *Forwarder) NotifyInterrupt() {
	f.mu.Lock()
	if f.dst != nil {
		f.dst.NotifyInterrupt()
	} else {
		f.pending = true
	}
	f.mu.Unlock()
}
