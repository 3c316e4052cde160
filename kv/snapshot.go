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
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sjy-dv/kvlite/storage"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	snapshotMagic   = "kvlite-snapshot"
	snapshotVersion = 1
)

type snapshotHeader struct {
	Magic   string `msgpack:"magic"`
	Version int    `msgpack:"version"`
	Engine  string `msgpack:"engine"`
	Created int64  `msgpack:"created"`
}

// snapshotFrame is either one record or, with End set, the trailer.
type snapshotFrame struct {
	Key   []byte `msgpack:"k,omitempty"`
	Value []byte `msgpack:"v,omitempty"`
	End   bool   `msgpack:"end,omitempty"`
	Count uint64 `msgpack:"count,omitempty"`
	Sum   uint64 `msgpack:"sum,omitempty"`
}

func hashRecord(h hash.Hash64, key, value []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	h.Write(buf[:n])
	h.Write(key)
	n = binary.PutUvarint(buf[:], uint64(len(value)))
	h.Write(buf[:n])
	h.Write(value)
}

// Backup writes every visible record to w as a stream of msgpack frames
// closed by a trailer holding the record count and an xxhash64 checksum.
func (db *DB) Backup(w io.Writer) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("backup"); err != nil {
		return err
	}
	enc := msgpack.NewEncoder(w)
	err := enc.Encode(&snapshotHeader{
		Magic:   snapshotMagic,
		Version: snapshotVersion,
		Engine:  db.engine.Name(),
		Created: time.Now().Unix(),
	})
	if err != nil {
		return newError(IO, "backup", err)
	}

	digest := xxhash.New()
	var count uint64
	k, v, err := db.neighbor(nil, storage.Forward, true)
	for ; err == nil && k != nil; k, v, err = db.neighbor(k, storage.Forward, false) {
		if err := enc.Encode(&snapshotFrame{Key: k, Value: v}); err != nil {
			return newError(IO, "backup", err)
		}
		hashRecord(digest, k, v)
		count++
	}
	if err != nil {
		return wrapError("backup", err)
	}
	if err := enc.Encode(&snapshotFrame{End: true, Count: count, Sum: digest.Sum64()}); err != nil {
		return newError(IO, "backup", err)
	}
	db.logger.Debug().Uint64("records", count).Msg("backup written")
	return nil
}

func (db *DB) BackupToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return newError(IO, "backup", err)
	}
	if err := db.Backup(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newError(IO, "backup", err)
	}
	if err := f.Close(); err != nil {
		return newError(IO, "backup", err)
	}
	return nil
}

// Restore replaces the contents of the store with the snapshot read from r.
// The snapshot is verified completely before anything changes, then applied
// as one mutation of the current transaction.
func (db *DB) Restore(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("restore"); err != nil {
		return err
	}
	if db.readOnly() {
		return newError(ReadOnly, "restore", errors.New("the database was opened read only"))
	}

	dec := msgpack.NewDecoder(r)
	var hdr snapshotHeader
	if err := dec.Decode(&hdr); err != nil {
		return snapshotError(err)
	}
	if hdr.Magic != snapshotMagic {
		return newError(Corrupt, "restore", fmt.Errorf("not a snapshot: magic %q", hdr.Magic))
	}
	if hdr.Version != snapshotVersion {
		return newError(Corrupt, "restore", fmt.Errorf("unknown snapshot version %d", hdr.Version))
	}

	digest := xxhash.New()
	var records []snapshotFrame
	for {
		var frame snapshotFrame
		if err := dec.Decode(&frame); err != nil {
			return snapshotError(err)
		}
		if frame.End {
			if frame.Count != uint64(len(records)) || frame.Sum != digest.Sum64() {
				return newError(Corrupt, "restore", fmt.Errorf("snapshot checksum mismatch: %d records, trailer says %d", len(records), frame.Count))
			}
			break
		}
		if len(frame.Key) == 0 {
			return newError(Corrupt, "restore", errors.New("snapshot record with an empty key"))
		}
		hashRecord(digest, frame.Key, frame.Value)
		records = append(records, frame)
	}

	err := db.mutate("restore", func(w *writeSet) error {
		w.truncate()
		for _, rec := range records {
			w.put(rec.Key, rec.Value)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.logger.Debug().Int("records", len(records)).Str("source_engine", hdr.Engine).Msg("snapshot restored")
	return nil
}

func snapshotError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(EOF, "restore", err)
	}
	return newError(Corrupt, "restore", err)
}

// CopyFile writes a native copy of the committed database file to path.
// Only engines with a single file support it.
func (db *DB) CopyFile(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("copy"); err != nil {
		return err
	}
	engine := db.engine
	if db.cache != nil {
		engine = db.cache.Unwrap()
	}
	snap, ok := engine.(storage.Snapshotter)
	if !ok {
		return newError(Unsupported, "copy", fmt.Errorf("the %s engine has no file to copy", engine.Name()))
	}

	f, err := os.Create(path)
	if err != nil {
		return newError(IO, "copy", err)
	}
	if _, err := snap.WriteTo(f); err != nil {
		f.Close()
		os.Remove(path)
		return wrapError("copy", err)
	}
	if err := f.Close(); err != nil {
		return newError(IO, "copy", err)
	}
	return nil
}
