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

// Package linuxerr contains syscall error codes exported as an error
// interface pointer. This allows for fast comparison and return operations.
package linuxerr

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/abi/linux/errno"
	"rvisor.dev/rvisor/pkg/errors"
)

// The errnos the privilege-transition core and its syscall surface can
// produce. These are *errors.Error values so that return paths compare
// pointers rather than strings.
var (
	EPERM   = errors.New(errno.EPERM, "operation not permitted")
	ENOENT  = errors.New(errno.ENOENT, "no such file or directory")
	ESRCH   = errors.New(errno.ESRCH, "no such process")
	EINTR   = errors.New(errno.EINTR, "interrupted system call")
	EIO     = errors.New(errno.EIO, "I/O error")
	ENXIO   = errors.New(errno.ENXIO, "no such device or address")
	E2BIG   = errors.New(errno.E2BIG, "argument list too long")
	ENOEXEC = errors.New(errno.ENOEXEC, "exec format error")
	EBADF   = errors.New(errno.EBADF, "bad file number")
	ECHILD  = errors.New(errno.ECHILD, "no child processes")
	EAGAIN  = errors.New(errno.EAGAIN, "try again")
	ENOMEM  = errors.New(errno.ENOMEM, "out of memory")
	EACCES  = errors.New(errno.EACCES, "permission denied")
	EFAULT  = errors.New(errno.EFAULT, "bad address")
	EBUSY   = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST  = errors.New(errno.EEXIST, "file exists")
	ENODEV  = errors.New(errno.ENODEV, "no such device")
	EINVAL  = errors.New(errno.EINVAL, "invalid argument")
	ERANGE  = errors.New(errno.ERANGE, "math result not representable")
	ENOSYS  = errors.New(errno.ENOSYS, "invalid system call number")
)

// errnos is the translation table from errno number back to the canonical
// *errors.Error. Unassigned slots are nil.
var errnos = [...]*errors.Error{
	errno.EPERM - 1:   EPERM,
	errno.ENOENT - 1:  ENOENT,
	errno.ESRCH - 1:   ESRCH,
	errno.EINTR - 1:   EINTR,
	errno.EIO - 1:     EIO,
	errno.ENXIO - 1:   ENXIO,
	errno.E2BIG - 1:   E2BIG,
	errno.ENOEXEC - 1: ENOEXEC,
	errno.EBADF - 1:   EBADF,
	errno.ECHILD - 1:  ECHILD,
	errno.EAGAIN - 1:  EAGAIN,
	errno.ENOMEM - 1:  ENOMEM,
	errno.EACCES - 1:  EACCES,
	errno.EFAULT - 1:  EFAULT,
	errno.EBUSY - 1:   EBUSY,
	errno.EEXIST - 1:  EEXIST,
	errno.ENODEV - 1:  ENODEV,
	errno.EINVAL - 1:  EINVAL,
	errno.ERANGE - 1:  ERANGE,
	errno.ENOSYS - 1:  ENOSYS,
}

// ErrorFromErrno gets an error from the list and panics if an invalid entry
// is requested.
func ErrorFromErrno(e errno.Errno) *errors.Error {
	if int(e) > 0 && int(e) <= len(errnos) {
		if err := errnos[e-1]; err != nil {
			return err
		}
	}
	panic(fmt.Sprintf("invalid error requested with errno: %d", e))
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	return e == err
}
