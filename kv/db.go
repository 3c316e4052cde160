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
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sjy-dv/kvlite/storage"
)

const tempFileName = "temp.db"

// DB is a handle on one storage engine. All methods are safe for concurrent
// use unless the handle was opened with ModeNoMutex.
type DB struct {
	id      string
	target  string
	mode    Mode
	options Options
	mu      sync.Locker
	closed  bool

	engine storage.Engine
	cache  *storage.Cache

	// pending belongs to the explicit transaction while state is not
	// NoTransaction, to the implicit unit otherwise.
	pending    *writeSet
	state      TxState
	autoCommit AutoCommit

	tempDir string
	logger  zerolog.Logger
}

// Stat describes a handle.
type Stat struct {
	Target       string
	Engine       string
	Records      int
	Pending      int
	TxState      TxState
	AutoCommit   AutoCommit
	MaxPageCache int
	ReadOnly     bool
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Open opens target with mode. target is a path, MemoryTarget or empty for
// an in-memory store. A zero mode means ModeCreate.
func Open(target string, mode Mode, opts ...Option) (*DB, error) {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if mode == 0 {
		mode = ModeCreate
	}
	if err := mode.check(); err != nil {
		return nil, err
	}
	if err := options.check(); err != nil {
		return nil, err
	}
	if err := storage.CheckSchedule(options.GCSchedule); err != nil {
		return nil, wrapError("open", err)
	}

	inMemory := target == "" || target == MemoryTarget || mode.Has(ModeInMemory)
	engineName := options.Engine
	switch {
	case inMemory:
		engineName = storage.EngineMem
	case engineName == "":
		engineName = storage.EngineBolt
	case !slices.Contains(storage.Engines(), engineName):
		return nil, newError(UnknownConfiguration, "open", fmt.Errorf("%w: %q", storage.ErrUnknownEngine, engineName))
	}

	db := &DB{
		id:         uuid.NewString(),
		target:     target,
		mode:       mode,
		options:    options,
		mu:         &sync.Mutex{},
		pending:    newWriteSet(),
		autoCommit: options.AutoCommit,
	}
	if mode.Has(ModeNoMutex) {
		db.mu = nopLocker{}
	}
	if options.Logger != nil {
		db.logger = *options.Logger
	} else {
		db.logger = log.Logger.With().Str("component", "kv").Logger()
	}
	db.logger = db.logger.With().Str("engine", engineName).Str("handle", db.id).Logger()

	path := target
	if mode.Has(ModeTempDB) && !inMemory {
		dir, err := os.MkdirTemp("", "kvlite-")
		if err != nil {
			return nil, newError(IO, "open", err)
		}
		db.tempDir = dir
		path = filepath.Join(dir, tempFileName)
	}

	engine, err := storage.Open(engineName, storage.Options{
		Path:        path,
		ReadOnly:    mode.Has(ModeReadOnly),
		Create:      mode.Has(ModeCreate) || mode.Has(ModeTempDB),
		Exclusive:   mode.Has(ModeExclusive),
		NoSync:      mode.Has(ModeOmitJournaling),
		MMap:        mode.Has(ModeMMap),
		BusyTimeout: options.BusyTimeout,
		GCSchedule:  options.GCSchedule,
		Logger:      db.logger,
	})
	if err != nil {
		db.removeTemp()
		return nil, wrapError("open", err)
	}
	db.engine = engine
	if engineName != storage.EngineMem {
		cache, err := storage.NewCache(engine, options.MaxPageCache)
		if err != nil {
			engine.Close()
			db.removeTemp()
			return nil, wrapError("open", err)
		}
		db.cache = cache
		db.engine = cache
	}

	db.logger.Debug().
		Str("target", target).
		Str("mode", fmt.Sprintf("%#x", uint32(mode))).
		Str("auto_commit", options.AutoCommit.String()).
		Msg("database opened")
	return db, nil
}

// Close commits or discards the implicit unit according to the auto commit
// policy, rolls back an open explicit transaction and releases the engine.
// Durable state is the last successful commit on every path.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("close"); err != nil {
		return err
	}
	db.closed = true

	var errs []error
	switch {
	case db.state != NoTransaction:
		db.logger.Warn().Int("discarded", db.pending.ops).Msg("open transaction rolled back on close")
		db.pending.reset()
		db.state = NoTransaction
	case db.pending.empty():
	case db.autoCommit == AutoCommitDisabled:
		db.logger.Warn().Int("discarded", db.pending.ops).Msg("uncommitted implicit transaction discarded on close")
		db.pending.reset()
	default:
		if err := db.flush("close"); err != nil {
			errs = append(errs, err)
		}
	}

	if err := db.engine.Close(); err != nil {
		errs = append(errs, wrapError("close", err))
	}
	db.removeTemp()
	db.logger.Debug().Msg("database closed")
	return errors.Join(errs...)
}

func (db *DB) Closed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

func (db *DB) removeTemp() {
	if db.tempDir == "" {
		return
	}
	if err := os.RemoveAll(db.tempDir); err != nil {
		db.logger.Warn().Err(err).Str("dir", db.tempDir).Msg("failed to remove temporary database")
	}
	db.tempDir = ""
}

func (db *DB) checkOpen(op string) error {
	if db.closed {
		return newError(InvalidHandle, op, errors.New("the database is closed"))
	}
	return nil
}

func (db *DB) checkKey(op string, key []byte) error {
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if len(key) == 0 {
		return newError(EmptyKey, op, errors.New("the key is empty"))
	}
	return nil
}

func (db *DB) readOnly() bool {
	return db.mode.Has(ModeReadOnly) || db.engine.ReadOnly()
}

// mutate records fn in the open transaction or the implicit unit and applies
// the auto commit policy. Callers hold db.mu and have validated arguments.
func (db *DB) mutate(op string, fn func(w *writeSet) error) error {
	if db.readOnly() {
		return newError(ReadOnly, op, errors.New("the database was opened read only"))
	}
	if db.state != NoTransaction {
		return wrapError(op, fn(db.pending))
	}
	if err := fn(db.pending); err != nil {
		if db.autoCommit != AutoCommitDisabled {
			db.abortUnit(op, err)
		}
		return wrapError(op, err)
	}
	switch db.autoCommit {
	case AutoCommitPerCall:
		return db.flush(op)
	case AutoCommitBatched:
		if db.pending.ops >= db.options.FlushThreshold {
			return db.flush(op)
		}
	}
	return nil
}

// readFailure wraps a failed read. Under the batched policy a failure while
// the implicit unit is open rolls the unit back first.
func (db *DB) readFailure(op string, err error) error {
	if db.state == NoTransaction && db.autoCommit == AutoCommitBatched {
		db.abortUnit(op, err)
	}
	return wrapError(op, err)
}

func (db *DB) abortUnit(op string, cause error) {
	if db.pending.empty() {
		return
	}
	n := db.pending.ops
	db.pending.reset()
	db.logger.Warn().Str("op", op).Int("discarded", n).Err(cause).Msg("implicit transaction rolled back")
}

// flush commits the implicit unit. On failure the unit is rolled back.
func (db *DB) flush(op string) error {
	if db.pending.empty() {
		return nil
	}
	n := db.pending.ops
	err := db.engine.Apply(db.pending.batch())
	db.pending.reset()
	if err != nil {
		db.logger.Warn().Str("op", op).Int("discarded", n).Err(err).Msg("implicit transaction rolled back")
		return wrapError(op, err)
	}
	db.logger.Trace().Str("op", op).Int("mutations", n).Msg("implicit transaction committed")
	return nil
}

// Store inserts or overwrites key.
func (db *DB) Store(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("store", key); err != nil {
		return err
	}
	return db.mutate("store", func(w *writeSet) error {
		w.put(key, value)
		return nil
	})
}

// Append adds suffix to the value of key, storing suffix when key is absent.
func (db *DB) Append(key, suffix []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("append", key); err != nil {
		return err
	}
	return db.mutate("append", func(w *writeSet) error {
		w.append(key, suffix)
		return nil
	})
}

// Fetch returns the value of key or an error of kind NotFound.
func (db *DB) Fetch(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("fetch", key); err != nil {
		return nil, err
	}
	value, ok, err := db.visible(key)
	if err != nil {
		return nil, db.readFailure("fetch", err)
	}
	if !ok {
		return nil, db.readFailure("fetch", fmt.Errorf("%w: %q", storage.ErrKeyNotFound, key))
	}
	return value, nil
}

// Get is Fetch without the NotFound failure: an absent key yields nil, nil.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("get", key); err != nil {
		return nil, err
	}
	value, _, err := db.visible(key)
	if err != nil {
		return nil, db.readFailure("get", err)
	}
	return value, nil
}

func (db *DB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("delete", key); err != nil {
		return err
	}
	return db.deleteLocked("delete", key)
}

func (db *DB) deleteLocked(op string, key []byte) error {
	return db.mutate(op, func(w *writeSet) error {
		_, ok, err := db.visible(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", storage.ErrKeyNotFound, key)
		}
		w.del(key)
		return nil
	})
}

// Include reports whether key exists.
func (db *DB) Include(key []byte) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkKey("include", key); err != nil {
		return false, err
	}
	_, ok, err := db.visible(key)
	if err != nil {
		return false, db.readFailure("include", err)
	}
	return ok, nil
}

// Empty reports whether the store holds no records.
func (db *DB) Empty() (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("empty"); err != nil {
		return false, err
	}
	k, _, err := db.neighbor(nil, storage.Forward, true)
	if err != nil {
		return false, db.readFailure("empty", err)
	}
	return k == nil, nil
}

// Clear deletes every record as one mutation.
func (db *DB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("clear"); err != nil {
		return err
	}
	return db.mutate("clear", func(w *writeSet) error {
		w.truncate()
		return nil
	})
}

func (db *DB) KVEngine() string {
	return db.engine.Name()
}

// SetMaxPageCache resizes the page cache, counted in records. Zero disables
// it. In-memory stores have no page cache and ignore the setting.
func (db *DB) SetMaxPageCache(n int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("max_page_cache"); err != nil {
		return err
	}
	if n < 0 {
		return newError(InvalidParameter, "max_page_cache", fmt.Errorf("page cache size must not be negative, got %d", n))
	}
	db.options.MaxPageCache = n
	if db.cache == nil {
		return nil
	}
	return wrapError("max_page_cache", db.cache.Resize(n))
}

func (db *DB) MaxPageCache() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.options.MaxPageCache
}

// Configure sets a knob by name from its string form.
func (db *DB) Configure(name, value string) error {
	switch name {
	case "max_page_cache":
		n, err := strconv.Atoi(value)
		if err != nil {
			return newError(InvalidParameter, name, err)
		}
		return db.SetMaxPageCache(n)
	case "auto_commit":
		policy, err := ParseAutoCommit(value)
		if err != nil {
			return err
		}
		return db.SetAutoCommit(policy)
	case "flush_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return newError(InvalidParameter, name, err)
		}
		return db.SetFlushThreshold(n)
	}
	return newError(UnknownConfiguration, "configure", fmt.Errorf("unknown option %q", name))
}

func (db *DB) SetFlushThreshold(n int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("flush_threshold"); err != nil {
		return err
	}
	if n <= 0 {
		return newError(InvalidParameter, "flush_threshold", fmt.Errorf("flush threshold must be positive, got %d", n))
	}
	db.options.FlushThreshold = n
	return nil
}

// Stat walks the visible records, so it costs a full scan.
func (db *DB) Stat() (*Stat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("stat"); err != nil {
		return nil, err
	}
	records := 0
	k, _, err := db.neighbor(nil, storage.Forward, true)
	for ; err == nil && k != nil; k, _, err = db.neighbor(k, storage.Forward, false) {
		records++
	}
	if err != nil {
		return nil, wrapError("stat", err)
	}
	return &Stat{
		Target:       db.target,
		Engine:       db.engine.Name(),
		Records:      records,
		Pending:      db.pending.ops,
		TxState:      db.state,
		AutoCommit:   db.autoCommit,
		MaxPageCache: db.options.MaxPageCache,
		ReadOnly:     db.readOnly(),
	}, nil
}
