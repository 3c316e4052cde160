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
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MemoryTarget opens a private in-memory store.
const MemoryTarget = ":mem:"

// Mode is the bit set passed to Open.
type Mode uint32

const (
	ModeReadOnly       Mode = 0x00000001
	ModeReadWrite      Mode = 0x00000002
	ModeCreate         Mode = 0x00000004
	ModeExclusive      Mode = 0x00000008
	ModeTempDB         Mode = 0x00000010
	ModeNoMutex        Mode = 0x00000020
	ModeOmitJournaling Mode = 0x00000040
	ModeInMemory       Mode = 0x00000080
	ModeMMap           Mode = 0x00000100
)

func (m Mode) Has(flag Mode) bool {
	return m&flag != 0
}

func (m Mode) check() error {
	if m.Has(ModeReadOnly) && (m.Has(ModeReadWrite) || m.Has(ModeCreate)) {
		return newError(InvalidParameter, "open", fmt.Errorf("read only mode cannot be combined with read write or create (mode %#x)", uint32(m)))
	}
	if m.Has(ModeReadOnly) && m.Has(ModeTempDB) {
		return newError(InvalidParameter, "open", fmt.Errorf("a temporary database cannot be read only (mode %#x)", uint32(m)))
	}
	return nil
}

// AutoCommit selects what happens to mutations issued outside an explicit
// transaction.
type AutoCommit uint8

const (
	// AutoCommitPerCall commits every mutating call on its own.
	AutoCommitPerCall AutoCommit = iota
	// AutoCommitBatched collects mutations into one implicit unit that is
	// committed at the flush threshold, on Commit, on Begin or on Close. A
	// failure while the unit is open rolls the whole unit back.
	AutoCommitBatched
	// AutoCommitDisabled never commits the implicit unit on its own.
	AutoCommitDisabled
)

var autoCommitNames = [...]string{
	AutoCommitPerCall:  "per_call",
	AutoCommitBatched:  "batched",
	AutoCommitDisabled: "disabled",
}

func (a AutoCommit) String() string {
	if int(a) < len(autoCommitNames) {
		return autoCommitNames[a]
	}
	return fmt.Sprintf("auto_commit(%d)", uint8(a))
}

func ParseAutoCommit(s string) (AutoCommit, error) {
	for i, name := range autoCommitNames {
		if strings.EqualFold(s, name) {
			return AutoCommit(i), nil
		}
	}
	return 0, newError(InvalidParameter, "auto_commit", fmt.Errorf("unknown policy %q", s))
}

type Options struct {
	// Engine names the storage engine. Empty picks mem for in-memory
	// targets and bolt for paths.
	Engine         string
	AutoCommit     AutoCommit
	FlushThreshold int
	// MaxPageCache is the number of committed records cached in memory.
	MaxPageCache int
	BusyTimeout  time.Duration
	GCSchedule   string
	Logger       *zerolog.Logger
}

var DefaultOptions = Options{
	AutoCommit:     AutoCommitPerCall,
	FlushThreshold: 256,
	MaxPageCache:   1024,
}

type Option func(*Options)

func WithEngine(name string) Option {
	return func(o *Options) {
		o.Engine = name
	}
}

func WithAutoCommit(policy AutoCommit) Option {
	return func(o *Options) {
		o.AutoCommit = policy
	}
}

func WithFlushThreshold(n int) Option {
	return func(o *Options) {
		o.FlushThreshold = n
	}
}

func WithMaxPageCache(n int) Option {
	return func(o *Options) {
		o.MaxPageCache = n
	}
}

// WithBusyTimeout makes Open wait up to d for a lock held by another handle
// instead of failing with Busy at once.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.BusyTimeout = d
	}
}

// WithGCSchedule runs value log garbage collection on a cron expression.
// Only the badger engine collects garbage.
func WithGCSchedule(expr string) Option {
	return func(o *Options) {
		o.GCSchedule = expr
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = &logger
	}
}

func (o *Options) check() error {
	if int(o.AutoCommit) >= len(autoCommitNames) {
		return newError(InvalidParameter, "open", fmt.Errorf("unknown auto commit policy %d", o.AutoCommit))
	}
	if o.FlushThreshold <= 0 {
		return newError(InvalidParameter, "open", fmt.Errorf("flush threshold must be positive, got %d", o.FlushThreshold))
	}
	if o.MaxPageCache < 0 {
		return newError(InvalidParameter, "open", fmt.Errorf("page cache size must not be negative, got %d", o.MaxPageCache))
	}
	if o.BusyTimeout < 0 {
		return newError(InvalidParameter, "open", fmt.Errorf("busy timeout must not be negative, got %s", o.BusyTimeout))
	}
	return nil
}
