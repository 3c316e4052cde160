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
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sjy-dv/kvlite/internal/index"
)

const (
	EngineMem    = "mem"
	EngineBolt   = "bolt"
	EngineBadger = "badger"
)

type Direction = index.Direction

const (
	Forward  = index.Forward
	Backward = index.Backward
)

// Mutation is one change of a Batch. Append adds Value to the end of the
// committed value, creating the record when it is absent.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
	Append bool
}

// Batch is applied atomically by Engine.Apply. Truncate drops every
// committed record before the mutations run.
type Batch struct {
	Truncate  bool
	Mutations []Mutation
}

func (b *Batch) Empty() bool {
	return b == nil || (!b.Truncate && len(b.Mutations) == 0)
}

// ReadOnlyEngine is the read surface shared by every engine.
type ReadOnlyEngine interface {
	Name() string
	// Get returns a copy of the value stored under key or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Seek returns the record nearest to key in dir. A nil key starts from
	// the first (Forward) or last (Backward) record, inclusive reports
	// whether an exact match qualifies. k is nil when nothing is left.
	Seek(key []byte, dir Direction, inclusive bool) (k, v []byte, err error)
}

type Engine interface {
	ReadOnlyEngine
	ReadOnly() bool
	// Apply commits the batch as one unit: either every mutation becomes
	// durable or none does.
	Apply(b *Batch) error
	Close() error
}

// Snapshotter is implemented by engines that can stream a consistent copy
// of their native file.
type Snapshotter interface {
	WriteTo(w io.Writer) (int64, error)
}

// Collector is implemented by engines that reclaim space in the background.
type Collector interface {
	CollectGarbage() error
}

type Options struct {
	Path      string
	ReadOnly  bool
	Create    bool
	Exclusive bool
	// NoSync skips fsync on commit.
	NoSync bool
	// MMap maps the whole file up front instead of growing the mapping.
	MMap        bool
	BusyTimeout time.Duration
	// GCSchedule is a cron expression for value log collection (badger only).
	GCSchedule string
	Logger     zerolog.Logger
}

// Engines lists the names accepted by Open.
func Engines() []string {
	return []string{EngineMem, EngineBolt, EngineBadger}
}

func Open(name string, opts Options) (Engine, error) {
	switch name {
	case EngineMem:
		return newMemStore(opts.ReadOnly), nil
	case EngineBolt:
		return openDiskStore(opts)
	case EngineBadger:
		return openBadgerStore(opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}

// checkTarget applies the create and exclusive rules to a file engine path.
func checkTarget(opts Options) (exists bool, err error) {
	_, err = os.Stat(opts.Path)
	switch {
	case err == nil:
		if opts.Exclusive && opts.Create {
			return true, fmt.Errorf("%w: %s already exists", ErrCantOpen, opts.Path)
		}
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		if !opts.Create || opts.ReadOnly {
			return false, fmt.Errorf("%w: %s does not exist", ErrCantOpen, opts.Path)
		}
		return false, nil
	}
	return false, ioError("stat", err)
}
