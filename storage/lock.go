// Licensed to sjy-dv under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. sjy-dv licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockSuffix    = ".lock"
	lockRetryWait = 10 * time.Millisecond
)

// acquireLock takes the advisory lock guarding path. Writers hold it
// exclusively, readers share it. With a zero timeout a held lock fails at
// once with ErrBusy, otherwise the lock is retried until the timeout ends.
// The returned lock may be unheld for readers in a directory they can not
// write; Unlock is then a no-op.
func acquireLock(path string, shared bool, timeout time.Duration) (*flock.Flock, error) {
	fileLock := flock.New(path + lockSuffix)
	var (
		hold    bool
		err     error
		timeErr error
	)
	if timeout <= 0 {
		if shared {
			hold, err = fileLock.TryRLock()
		} else {
			hold, err = fileLock.TryLock()
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if shared {
			hold, err = fileLock.TryRLockContext(ctx, lockRetryWait)
		} else {
			hold, err = fileLock.TryLockContext(ctx, lockRetryWait)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			timeErr, err = err, nil
		}
	}
	if err != nil {
		// A reader that can not create the lock file still holds the
		// engine's own shared lock.
		if shared && (errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EROFS)) {
			return fileLock, nil
		}
		return nil, ioError("lock", err)
	}
	if !hold {
		if timeErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBusy, path, timeErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrBusy, path)
	}
	return fileLock, nil
}
