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
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	ErrKeyNotFound   = errors.New("key not found in storage")
	ErrReadOnly      = errors.New("the storage engine is read only")
	ErrBusy          = errors.New("the database is locked by another handle")
	ErrCorrupt       = errors.New("the database file is corrupt")
	ErrTooLarge      = errors.New("the key, value or transaction exceeds an engine limit")
	ErrFull          = errors.New("no space left for the database")
	ErrCantOpen      = errors.New("unable to open the database")
	ErrPermission    = errors.New("permission denied")
	ErrUnknownEngine = errors.New("unknown storage engine")
	ErrBadOption     = errors.New("invalid storage option")
	ErrUnsupported   = errors.New("operation not supported by the storage engine")
	ErrClosed        = errors.New("the storage engine is closed")
)

// IOError reports a failed read or write of the backing store.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ioError classifies an operating system or engine error. Disk full and
// permission failures get their own sentinel, everything else is an IOError.
func ioError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%s: %w: %w", op, ErrFull, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s: %w: %w", op, ErrPermission, err)
	}
	return &IOError{Op: op, Err: err}
}
