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
	"sync/atomic"

	"github.com/sjy-dv/kvlite/internal/index"
)

// memStore keeps every record in an ordered btree. Values are copied in and
// out so callers never share memory with the tree.
type memStore struct {
	tree       *index.MemoryBTree
	isReadOnly bool
	closed     atomic.Bool
}

func newMemStore(isReadOnly bool) *memStore {
	return &memStore{
		tree:       index.NewBTree(),
		isReadOnly: isReadOnly,
	}
}

func (m *memStore) Name() string {
	return EngineMem
}

func (m *memStore) ReadOnly() bool {
	return m.isReadOnly
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	it := m.tree.Get(key)
	if it == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(nonNil(it.Value)), nil
}

func (m *memStore) Seek(key []byte, dir Direction, inclusive bool) ([]byte, []byte, error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}
	it := m.tree.Seek(key, dir, inclusive, nil)
	if it == nil {
		return nil, nil, nil
	}
	return bytes.Clone(it.Key), bytes.Clone(nonNil(it.Value)), nil
}

func (m *memStore) Apply(b *Batch) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.isReadOnly {
		return ErrReadOnly
	}
	if b.Empty() {
		return nil
	}
	if b.Truncate {
		m.tree.Clear()
	}
	for _, mu := range b.Mutations {
		switch {
		case mu.Delete:
			m.tree.Delete(mu.Key)
		case mu.Append:
			var value []byte
			if old := m.tree.Get(mu.Key); old != nil {
				value = bytes.Clone(old.Value)
			}
			value = append(value, mu.Value...)
			m.tree.Put(&index.Item{Key: bytes.Clone(mu.Key), Value: value})
		default:
			m.tree.Put(&index.Item{Key: bytes.Clone(mu.Key), Value: bytes.Clone(nonNil(mu.Value))})
		}
	}
	return nil
}

func (m *memStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	m.tree.Clear()
	return nil
}

// nonNil keeps empty values distinguishable from absent ones.
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
