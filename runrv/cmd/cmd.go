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

// Package cmd holds implementations of the runrv commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

const (
	// metadataFilename is the name of the metadata file relative to a
	// scenario's runtime directory.
	metadataFilename = "meta.json"

	// metadataLockFilename is the lock file protecting the metadata and
	// trace files in a scenario's runtime directory.
	metadataLockFilename = "meta.lock"
)

// lockRuntimeDir creates dir if needed and takes a file lock on the
// metadata lock file inside it, so concurrent invocations for the same
// scenario serialize. The returned function releases the lock.
func lockRuntimeDir(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0711); err != nil {
		return nil, fmt.Errorf("error creating runtime directory %q: %v", dir, err)
	}
	f := filepath.Join(dir, metadataLockFilename)
	l := flock.New(f)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", f, err)
	}
	return l.Unlock, nil
}

// exitWaitStatus encodes an exit status the way wait(2) reports a normal
// exit, which is the form the shell expects back.
func exitWaitStatus(status int32) unix.WaitStatus {
	return unix.WaitStatus(status&0xff) << 8
}
