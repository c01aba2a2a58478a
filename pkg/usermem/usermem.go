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

// Package usermem governs access to user memory.
package usermem

import (
	"context"

	"rvisor.dev/rvisor/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr. It returns the number
	// of bytes zeroed. If the number of bytes zeroed is < toZero, it returns
	// a non-nil error explaining why.
	ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64, opts IOOpts) (int64, error)
}

// IOOpts contains options applicable to all IO methods.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections
	// are ignored. The access is performed on behalf of the kernel, which
	// observes the address space through its own mapping.
	IgnorePermissions bool
}

// CopyUint64Out copies a little-endian uint64 to the memory mapped at addr.
func CopyUint64Out(ctx context.Context, uio IO, addr hostarch.Addr, val uint64, opts IOOpts) error {
	var buf [8]byte
	hostarch.ByteOrder.PutUint64(buf[:], val)
	_, err := uio.CopyOut(ctx, addr, buf[:], opts)
	return err
}

// CopyUint64In copies a little-endian uint64 from the memory mapped at addr.
func CopyUint64In(ctx context.Context, uio IO, addr hostarch.Addr, opts IOOpts) (uint64, error) {
	var buf [8]byte
	if _, err := uio.CopyIn(ctx, addr, buf[:], opts); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(buf[:]), nil
}

// CopyUint64SliceOut copies the given uint64 values to the memory mapped at
// addr, in little-endian order with no padding.
func CopyUint64SliceOut(ctx context.Context, uio IO, addr hostarch.Addr, src []uint64, opts IOOpts) error {
	buf := make([]byte, 8*len(src))
	for i, val := range src {
		hostarch.ByteOrder.PutUint64(buf[8*i:], val)
	}
	_, err := uio.CopyOut(ctx, addr, buf, opts)
	return err
}

// CopyUint64SliceIn copies len(dst) uint64 values from the memory mapped at
// addr.
func CopyUint64SliceIn(ctx context.Context, uio IO, addr hostarch.Addr, dst []uint64, opts IOOpts) error {
	buf := make([]byte, 8*len(dst))
	if _, err := uio.CopyIn(ctx, addr, buf, opts); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = hostarch.ByteOrder.Uint64(buf[8*i:])
	}
	return nil
}
