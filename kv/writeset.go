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
	"bytes"
	"errors"

	"github.com/sjy-dv/kvlite/internal/index"
	"github.com/sjy-dv/kvlite/storage"
)

// writeSet holds the mutations of the open transaction, explicit or
// implicit, until they are applied to the engine as one batch. Every key
// keeps only its final state.
type writeSet struct {
	tree      *index.MemoryBTree
	truncated bool
	// ops counts recorded mutations, overwrites included.
	ops int
}

func newWriteSet() *writeSet {
	return &writeSet{tree: index.NewBTree()}
}

func (w *writeSet) empty() bool {
	return w.ops == 0
}

func (w *writeSet) put(key, value []byte) {
	w.tree.Put(&index.Item{Key: bytes.Clone(key), Value: cloneValue(value)})
	w.ops++
}

func (w *writeSet) del(key []byte) {
	w.tree.Put(&index.Item{Key: bytes.Clone(key), Deleted: true})
	w.ops++
}

// append records suffix for key. When the final value is already known
// inside the set the concatenation happens here, otherwise the engine adds
// the suffix to the committed value at commit time.
func (w *writeSet) append(key, suffix []byte) {
	old := w.tree.Get(key)
	switch {
	case old == nil && w.truncated, old != nil && old.Deleted:
		w.tree.Put(&index.Item{Key: bytes.Clone(key), Value: cloneValue(suffix)})
	case old != nil:
		value := append(bytes.Clone(old.Value), suffix...)
		w.tree.Put(&index.Item{Key: old.Key, Value: value, Append: old.Append})
	default:
		w.tree.Put(&index.Item{Key: bytes.Clone(key), Value: cloneValue(suffix), Append: true})
	}
	w.ops++
}

func (w *writeSet) truncate() {
	w.tree.Clear()
	w.truncated = true
	w.ops++
}

// lookup returns the pending entry for key. hidden reports that a truncate
// removed the committed record and nothing was written since.
func (w *writeSet) lookup(key []byte) (it *index.Item, hidden bool) {
	if it = w.tree.Get(key); it != nil {
		return it, false
	}
	return nil, w.truncated
}

func (w *writeSet) batch() *storage.Batch {
	b := &storage.Batch{
		Truncate:  w.truncated,
		Mutations: make([]storage.Mutation, 0, w.tree.Size()),
	}
	w.tree.Ascend(func(it *index.Item) bool {
		b.Mutations = append(b.Mutations, storage.Mutation{
			Key:    it.Key,
			Value:  it.Value,
			Delete: it.Deleted,
			Append: it.Append,
		})
		return true
	})
	return b
}

func (w *writeSet) reset() {
	w.tree.Clear()
	w.truncated = false
	w.ops = 0
}

// visible returns the value of key as seen by this handle: the pending
// entry when there is one, the committed record otherwise.
func (db *DB) visible(key []byte) ([]byte, bool, error) {
	it, hidden := db.pending.lookup(key)
	switch {
	case it != nil && it.Deleted:
		return nil, false, nil
	case it != nil && !it.Append:
		return cloneValue(it.Value), true, nil
	case hidden:
		return nil, false, nil
	}

	value, err := db.engine.Get(key)
	notFound := errors.Is(err, storage.ErrKeyNotFound)
	if err != nil && !notFound {
		return nil, false, err
	}
	if it != nil {
		return append(cloneValue(value), it.Value...), true, nil
	}
	if notFound {
		return nil, false, nil
	}
	return value, true, nil
}

// neighbor returns the visible record nearest to key in dir. Committed
// records shadowed by a pending entry are skipped on the engine side and
// pending tombstones are skipped on the overlay side, then the closer of the
// two candidates wins.
func (db *DB) neighbor(key []byte, dir storage.Direction, inclusive bool) ([]byte, []byte, error) {
	var ck, cv []byte
	if !db.pending.truncated {
		from, incl := key, inclusive
		for {
			k, v, err := db.engine.Seek(from, dir, incl)
			if err != nil {
				return nil, nil, err
			}
			if k == nil {
				break
			}
			if db.pending.tree.Get(k) == nil {
				ck, cv = k, v
				break
			}
			from, incl = k, false
		}
	}

	pit := db.pending.tree.Seek(key, dir, inclusive, func(it *index.Item) bool {
		return it.Deleted
	})
	if pit == nil && ck == nil {
		return nil, nil, nil
	}
	if pit == nil {
		return ck, cv, nil
	}
	if ck != nil {
		c := bytes.Compare(ck, pit.Key)
		if (dir == storage.Forward && c < 0) || (dir == storage.Backward && c > 0) {
			return ck, cv, nil
		}
	}
	if pit.Append {
		v, _, err := db.visible(pit.Key)
		if err != nil {
			return nil, nil, err
		}
		return bytes.Clone(pit.Key), v, nil
	}
	return bytes.Clone(pit.Key), cloneValue(pit.Value), nil
}

// cloneValue copies v and keeps an empty value distinct from a missing one.
func cloneValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return bytes.Clone(v)
}
