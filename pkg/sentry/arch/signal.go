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

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/usermem"
)

// SignalInfoSize is the in-memory size of SignalInfo: a 16-byte header plus
// the fields union.
const SignalInfoSize = 64

// Possible values for SignalInfo.Code. These values must be sent for SIGCHLD
// as well as for signals sent by userspace applications, which is why they
// live here rather than in the kernel.
const (
	// SignalInfoUser indicates that the signal was sent by kill, from
	// user space.
	SignalInfoUser = 0

	// SignalInfoKernel indicates that the signal was sent by the kernel.
	SignalInfoKernel = 0x80
)

// SignalInfo describes a signal being delivered. It is handed to the
// handler by reference; the delivery path treats the fields union as
// opaque.
type SignalInfo struct {
	Signo int32 // Signal number
	Errno int32 // Errno value
	Code  int32 // Signal code
	_     uint32

	// Fields is a union, accessed through the methods below. The record
	// is padded so that its size is SignalInfoSize.
	Fields [SignalInfoSize - 16]byte
}

// PID returns the si_pid field.
func (s *SignalInfo) PID() int32 {
	return int32(hostarch.ByteOrder.Uint32(s.Fields[0:4]))
}

// SetPID mutates the si_pid field.
func (s *SignalInfo) SetPID(val int32) {
	hostarch.ByteOrder.PutUint32(s.Fields[0:4], uint32(val))
}

// UID returns the si_uid field.
func (s *SignalInfo) UID() int32 {
	return int32(hostarch.ByteOrder.Uint32(s.Fields[4:8]))
}

// SetUID mutates the si_uid field.
func (s *SignalInfo) SetUID(val int32) {
	hostarch.ByteOrder.PutUint32(s.Fields[4:8], uint32(val))
}

// Addr returns the si_addr field.
func (s *SignalInfo) Addr() uint64 {
	return hostarch.ByteOrder.Uint64(s.Fields[0:8])
}

// SetAddr sets the si_addr field.
func (s *SignalInfo) SetAddr(val uint64) {
	hostarch.ByteOrder.PutUint64(s.Fields[0:8], val)
}

// Status returns the si_status field.
func (s *SignalInfo) Status() int32 {
	return int32(hostarch.ByteOrder.Uint32(s.Fields[8:12]))
}

// SetStatus mutates the si_status field.
func (s *SignalInfo) SetStatus(val int32) {
	hostarch.ByteOrder.PutUint32(s.Fields[8:12], uint32(val))
}

// marshal flattens the record into its in-memory image.
func (s *SignalInfo) marshal() [SignalInfoSize]byte {
	var b [SignalInfoSize]byte
	hostarch.ByteOrder.PutUint32(b[0:4], uint32(s.Signo))
	hostarch.ByteOrder.PutUint32(b[4:8], uint32(s.Errno))
	hostarch.ByteOrder.PutUint32(b[8:12], uint32(s.Code))
	copy(b[16:], s.Fields[:])
	return b
}

// CopyOut writes the record to memory at addr.
func (s *SignalInfo) CopyOut(ctx context.Context, uio usermem.IO, addr hostarch.Addr) error {
	b := s.marshal()
	_, err := uio.CopyOut(ctx, addr, b[:], usermem.IOOpts{})
	return err
}

// CopyIn loads the record from memory at addr.
func (s *SignalInfo) CopyIn(ctx context.Context, uio usermem.IO, addr hostarch.Addr) error {
	var b [SignalInfoSize]byte
	if _, err := uio.CopyIn(ctx, addr, b[:], usermem.IOOpts{}); err != nil {
		return err
	}
	s.Signo = int32(hostarch.ByteOrder.Uint32(b[0:4]))
	s.Errno = int32(hostarch.ByteOrder.Uint32(b[4:8]))
	s.Code = int32(hostarch.ByteOrder.Uint32(b[8:12]))
	copy(s.Fields[:], b[16:])
	return nil
}
