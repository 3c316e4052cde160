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

package kv

import (
	"errors"
	"fmt"
	"io"

	"github.com/sjy-dv/kvlite/storage"
)

// Kind classifies every failure raised by a handle.
type Kind uint8

const (
	// Generic is reported for codes and causes outside the table below.
	Generic Kind = iota
	Memory
	Abort
	IO
	Corrupt
	Locked
	Busy
	Permission
	NotImplemented
	NotFound
	EmptyKey
	InvalidParameter
	EOF
	UnknownConfiguration
	LimitReached
	FullDatabase
	CantOpenDatabase
	ReadOnly
	LockProtocol
	Unsupported
	InvalidHandle
	InvalidCursorState
)

const (
	CodeOK                 = 0
	CodeNoMem              = -1
	CodeIOErr              = -2
	CodeEmpty              = -3
	CodeLocked             = -4
	CodeNotFound           = -6
	CodeLimit              = -7
	CodeInvalid            = -9
	CodeAbort              = -10
	CodeUnknown            = -13
	CodeBusy               = -14
	CodeNotImplemented     = -17
	CodeEOF                = -18
	CodePerm               = -19
	CodeCorrupt            = -24
	CodeFull               = -73
	CodeCantOpen           = -74
	CodeReadOnly           = -75
	CodeLockErr            = -76
	CodeUnsupported        = -77
	CodeInvalidHandle      = -80
	CodeInvalidCursorState = -81
	// CodeGeneric is carried by failures that have no engine code.
	CodeGeneric = -99
)

type kindInfo struct {
	name string
	code int
}

// kinds is indexed by Kind and never written after init.
var kinds = [...]kindInfo{
	Generic:              {"generic failure", CodeGeneric},
	Memory:               {"out of memory", CodeNoMem},
	Abort:                {"operation aborted", CodeAbort},
	IO:                   {"i/o error", CodeIOErr},
	Corrupt:              {"database corrupt", CodeCorrupt},
	Locked:               {"database locked", CodeLocked},
	Busy:                 {"database busy", CodeBusy},
	Permission:           {"permission denied", CodePerm},
	NotImplemented:       {"not implemented", CodeNotImplemented},
	NotFound:             {"not found", CodeNotFound},
	EmptyKey:             {"empty key", CodeEmpty},
	InvalidParameter:     {"invalid parameter", CodeInvalid},
	EOF:                  {"unexpected end of input", CodeEOF},
	UnknownConfiguration: {"unknown configuration", CodeUnknown},
	LimitReached:         {"limit reached", CodeLimit},
	FullDatabase:         {"database full", CodeFull},
	CantOpenDatabase:     {"cannot open database", CodeCantOpen},
	ReadOnly:             {"database is read only", CodeReadOnly},
	LockProtocol:         {"lock protocol error", CodeLockErr},
	Unsupported:          {"unsupported operation", CodeUnsupported},
	InvalidHandle:        {"invalid handle", CodeInvalidHandle},
	InvalidCursorState:   {"invalid cursor state", CodeInvalidCursorState},
}

func (k Kind) String() string {
	if int(k) < len(kinds) {
		return kinds[k].name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Code is the numeric engine code of the kind.
func (k Kind) Code() int {
	if int(k) < len(kinds) {
		return kinds[k].code
	}
	return CodeGeneric
}

// Recoverable reports whether the handle stays fully usable after the error
// and a retry or a different call can succeed.
func (k Kind) Recoverable() bool {
	switch k {
	case NotFound, Busy, Locked, ReadOnly, LimitReached, EmptyKey:
		return true
	}
	return false
}

// Fatal reports whether the handle should be closed after the error.
func (k Kind) Fatal() bool {
	switch k {
	case Corrupt, IO, FullDatabase, Memory:
		return true
	}
	return false
}

// Error is the failure type of every handle operation.
type Error struct {
	Kind Kind
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "kv: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Kind.String()
	if e.Kind == Generic && e.Code != CodeGeneric {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of operation or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Kind != Generic || t.Code == e.Code
}

var (
	ErrMemory               = &Error{Kind: Memory, Code: CodeNoMem}
	ErrAbort                = &Error{Kind: Abort, Code: CodeAbort}
	ErrIO                   = &Error{Kind: IO, Code: CodeIOErr}
	ErrCorrupt              = &Error{Kind: Corrupt, Code: CodeCorrupt}
	ErrLocked               = &Error{Kind: Locked, Code: CodeLocked}
	ErrBusy                 = &Error{Kind: Busy, Code: CodeBusy}
	ErrPermission           = &Error{Kind: Permission, Code: CodePerm}
	ErrNotImplemented       = &Error{Kind: NotImplemented, Code: CodeNotImplemented}
	ErrNotFound             = &Error{Kind: NotFound, Code: CodeNotFound}
	ErrEmptyKey             = &Error{Kind: EmptyKey, Code: CodeEmpty}
	ErrInvalidParameter     = &Error{Kind: InvalidParameter, Code: CodeInvalid}
	ErrEOF                  = &Error{Kind: EOF, Code: CodeEOF}
	ErrUnknownConfiguration = &Error{Kind: UnknownConfiguration, Code: CodeUnknown}
	ErrLimitReached         = &Error{Kind: LimitReached, Code: CodeLimit}
	ErrFullDatabase         = &Error{Kind: FullDatabase, Code: CodeFull}
	ErrCantOpenDatabase     = &Error{Kind: CantOpenDatabase, Code: CodeCantOpen}
	ErrReadOnly             = &Error{Kind: ReadOnly, Code: CodeReadOnly}
	ErrLockProtocol         = &Error{Kind: LockProtocol, Code: CodeLockErr}
	ErrUnsupported          = &Error{Kind: Unsupported, Code: CodeUnsupported}
	ErrInvalidHandle        = &Error{Kind: InvalidHandle, Code: CodeInvalidHandle}
	ErrInvalidCursorState   = &Error{Kind: InvalidCursorState, Code: CodeInvalidCursorState}
)

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Op: op, Err: cause}
}

// FromCode converts a raw engine code into an error. CodeOK yields nil and a
// code outside the table yields a Generic error carrying the raw code.
func FromCode(code int) error {
	if code == CodeOK {
		return nil
	}
	for k, info := range kinds {
		if Kind(k) != Generic && info.code == code {
			return &Error{Kind: Kind(k), Code: code}
		}
	}
	return &Error{Kind: Generic, Code: code}
}

// KindOf returns the kind of err. Errors that did not come from this package
// report Generic.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Generic
}

// CodeOf returns the numeric code of err, CodeOK for nil.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}

// wrapError turns a storage failure into an *Error for op. Errors that are
// already classified keep their kind.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := Generic
	var ioErr *storage.IOError
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		kind = NotFound
	case errors.Is(err, storage.ErrReadOnly):
		kind = ReadOnly
	case errors.Is(err, storage.ErrBusy):
		kind = Busy
	case errors.Is(err, storage.ErrCorrupt):
		kind = Corrupt
	case errors.Is(err, storage.ErrTooLarge):
		kind = LimitReached
	case errors.Is(err, storage.ErrFull):
		kind = FullDatabase
	case errors.Is(err, storage.ErrCantOpen):
		kind = CantOpenDatabase
	case errors.Is(err, storage.ErrPermission):
		kind = Permission
	case errors.Is(err, storage.ErrUnknownEngine), errors.Is(err, storage.ErrBadOption):
		kind = UnknownConfiguration
	case errors.Is(err, storage.ErrClosed):
		kind = InvalidHandle
	case errors.Is(err, storage.ErrUnsupported):
		kind = Unsupported
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		kind = EOF
	case errors.As(err, &ioErr):
		kind = IO
	}
	return newError(kind, op, err)
}
