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
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const gcDiscardRatio = 0.5

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CheckSchedule validates a garbage collection cron expression.
func CheckSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: gc schedule %q: %v", ErrBadOption, expr, err)
	}
	return nil
}

// badgerStore keeps records in a badger directory. Its value log is
// reclaimed on the optional cron schedule.
type badgerStore struct {
	db            *badger.DB
	fileLock      *flock.Flock
	isReadOnly    bool
	cronScheduler *cron.Cron
	logger        zerolog.Logger
}

func openBadgerStore(opts Options) (Engine, error) {
	if err := CheckSchedule(opts.GCSchedule); err != nil {
		return nil, err
	}
	if _, err := checkTarget(opts); err != nil {
		return nil, err
	}
	fileLock, err := acquireLock(opts.Path, opts.ReadOnly, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly).
		WithSyncWrites(!opts.NoSync)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		fileLock.Unlock()
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("open: %w: %s", ErrBusy, opts.Path)
		}
		return nil, badgerError("open", err)
	}

	s := &badgerStore{
		db:         db,
		fileLock:   fileLock,
		isReadOnly: opts.ReadOnly,
		logger:     opts.Logger,
	}
	if opts.GCSchedule != "" && !opts.ReadOnly {
		s.cronScheduler = cron.New(cron.WithParser(cronParser))
		_, err = s.cronScheduler.AddFunc(opts.GCSchedule, func() {
			if err := s.CollectGarbage(); err != nil {
				s.logger.Warn().Err(err).Msg("badger value log gc failed")
			}
		})
		if err != nil {
			db.Close()
			fileLock.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrBadOption, err)
		}
		s.cronScheduler.Start()
	}
	opts.Logger.Debug().Str("path", opts.Path).Bool("read_only", opts.ReadOnly).Msg("badger engine opened")
	return s, nil
}

func (s *badgerStore) Name() string {
	return EngineBadger
}

func (s *badgerStore) ReadOnly() bool {
	return s.isReadOnly
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, badgerError("get", err)
	}
	return nonNil(value), nil
}

func (s *badgerStore) Seek(key []byte, dir Direction, inclusive bool) ([]byte, []byte, error) {
	var rk, rv []byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Reverse = dir == Backward
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		if key == nil {
			it.Rewind()
		} else {
			it.Seek(key)
		}
		for ; it.Valid(); it.Next() {
			item := it.Item()
			if !inclusive && key != nil && string(item.Key()) == string(key) {
				continue
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rk, rv = item.KeyCopy(nil), nonNil(v)
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, badgerError("seek", err)
	}
	return rk, rv, nil
}

func (s *badgerStore) Apply(b *Batch) error {
	if s.isReadOnly {
		return ErrReadOnly
	}
	if b.Empty() {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if b.Truncate {
			if err := truncateTxn(txn); err != nil {
				return err
			}
		}
		for _, mu := range b.Mutations {
			var err error
			switch {
			case mu.Delete:
				err = txn.Delete(mu.Key)
			case mu.Append:
				var value []byte
				item, gerr := txn.Get(mu.Key)
				switch {
				case gerr == nil:
					if value, err = item.ValueCopy(nil); err != nil {
						return err
					}
				case !errors.Is(gerr, badger.ErrKeyNotFound):
					return gerr
				}
				err = txn.Set(mu.Key, append(value, mu.Value...))
			default:
				err = txn.Set(mu.Key, nonNil(mu.Value))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return badgerError("apply", err)
}

// truncateTxn deletes every visible key inside txn. The whole clear is one
// badger transaction, so a store too large for it fails with ErrTxnTooBig
// and nothing is deleted.
func truncateTxn(txn *badger.Txn) error {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.PrefetchValues = false
	it := txn.NewIterator(iterOpts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CollectGarbage runs value log collection until badger has nothing left to
// rewrite. A pass rejected because another one is running counts as done.
func (s *badgerStore) CollectGarbage() error {
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return badgerError("gc", err)
		}
	}
}

func (s *badgerStore) Close() error {
	if s.cronScheduler != nil {
		<-s.cronScheduler.Stop().Done()
	}
	err := s.db.Close()
	if uerr := s.fileLock.Unlock(); err == nil && uerr != nil {
		err = uerr
	}
	return badgerError("close", err)
}

func badgerError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, ErrReadOnly):
		return err
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%s: %w: %w", op, ErrTooLarge, err)
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	return ioError(op, err)
}
