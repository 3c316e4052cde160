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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"
)

const defaultBoltTimeout = 100 * time.Millisecond

var rootBucket = []byte("kvlite")

// diskStore keeps all records in one bbolt bucket of a single file.
type diskStore struct {
	db         *bbolt.DB
	fileLock   *flock.Flock
	isReadOnly bool
}

func openDiskStore(opts Options) (Engine, error) {
	exists, err := checkTarget(opts)
	if err != nil {
		return nil, err
	}
	fileLock, err := acquireLock(opts.Path, opts.ReadOnly, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBoltTimeout
	}
	boltOpts := &bbolt.Options{
		Timeout:        timeout,
		ReadOnly:       opts.ReadOnly,
		NoSync:         opts.NoSync,
		NoFreelistSync: opts.NoSync,
		FreelistType:   bbolt.FreelistMapType,
	}
	if opts.MMap && exists {
		if info, err := os.Stat(opts.Path); err == nil {
			boltOpts.InitialMmapSize = int(info.Size())
		}
	}

	db, err := bbolt.Open(opts.Path, 0644, boltOpts)
	if err != nil {
		fileLock.Unlock()
		return nil, boltError("open", err)
	}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(rootBucket)
			return err
		})
		if err != nil {
			db.Close()
			fileLock.Unlock()
			return nil, boltError("open", err)
		}
	}
	opts.Logger.Debug().Str("path", opts.Path).Bool("read_only", opts.ReadOnly).Msg("bolt engine opened")
	return &diskStore{db: db, fileLock: fileLock, isReadOnly: opts.ReadOnly}, nil
}

func (self *diskStore) Name() string {
	return EngineBolt
}

func (self *diskStore) ReadOnly() bool {
	return self.isReadOnly
}

func (self *diskStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		if bucket == nil {
			return ErrKeyNotFound
		}
		k, v := bucket.Cursor().Seek(key)
		if k == nil || !bytes.Equal(k, key) {
			return ErrKeyNotFound
		}
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, boltError("get", err)
	}
	return value, nil
}

// Seek positions a bbolt cursor. bbolt only seeks forward, so a backward
// seek steps back once when it lands past key.
func (self *diskStore) Seek(key []byte, dir Direction, inclusive bool) ([]byte, []byte, error) {
	var rk, rv []byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		var k, v []byte
		switch {
		case key == nil && dir == Forward:
			k, v = cursor.First()
		case key == nil:
			k, v = cursor.Last()
		case dir == Forward:
			k, v = cursor.Seek(key)
			if k != nil && !inclusive && bytes.Equal(k, key) {
				k, v = cursor.Next()
			}
		default:
			k, v = cursor.Seek(key)
			switch {
			case k == nil:
				k, v = cursor.Last()
			case bytes.Equal(k, key) && inclusive:
			default:
				k, v = cursor.Prev()
			}
		}
		if k != nil {
			rk = append([]byte{}, k...)
			rv = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, boltError("seek", err)
	}
	return rk, rv, nil
}

func (self *diskStore) Apply(b *Batch) error {
	if self.isReadOnly {
		return ErrReadOnly
	}
	if b.Empty() {
		return nil
	}
	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(rootBucket)
		if b.Truncate {
			if err := tx.DeleteBucket(rootBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			var err error
			if bucket, err = tx.CreateBucket(rootBucket); err != nil {
				return err
			}
		}
		for _, mu := range b.Mutations {
			var err error
			switch {
			case mu.Delete:
				err = bucket.Delete(mu.Key)
			case mu.Append:
				value := append([]byte{}, bucket.Get(mu.Key)...)
				err = bucket.Put(mu.Key, append(value, mu.Value...))
			default:
				err = bucket.Put(mu.Key, nonNil(mu.Value))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return boltError("apply", err)
}

func (self *diskStore) WriteTo(w io.Writer) (int64, error) {
	var n int64
	err := self.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, boltError("copy", err)
}

func (self *diskStore) Close() error {
	err := self.db.Close()
	if uerr := self.fileLock.Unlock(); err == nil && uerr != nil {
		err = uerr
	}
	return boltError("close", err)
}

func boltError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrReadOnly):
		return err
	case errors.Is(err, bbolt.ErrTimeout):
		return fmt.Errorf("%s: %w", op, ErrBusy)
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrChecksum), errors.Is(err, bbolt.ErrVersionMismatch):
		return fmt.Errorf("%s: %w: %w", op, ErrCorrupt, err)
	case errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return fmt.Errorf("%s: %w: %w", op, ErrTooLarge, err)
	case errors.Is(err, bbolt.ErrDatabaseReadOnly), errors.Is(err, bbolt.ErrTxNotWritable):
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return ioError(op, err)
}
