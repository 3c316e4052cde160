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

package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const degree = 32

// Item is one entry of the tree. Plain stores only use Key and Value. The
// pending write set of a transaction also records tombstones (Deleted) and
// suffixes waiting to be added to the committed value (Append).
type Item struct {
	Key     []byte
	Value   []byte
	Deleted bool
	Append  bool
}

// Direction selects the walking order of Seek.
type Direction int8

const (
	Forward Direction = iota
	Backward
)

type MemoryBTree struct {
	tree *btree.BTreeG[*Item]
	lock *sync.RWMutex
}

func less(a, b *Item) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

func NewBTree() *MemoryBTree {
	return &MemoryBTree{
		tree: btree.NewG[*Item](degree, less),
		lock: new(sync.RWMutex),
	}
}

// Put inserts or replaces the item and returns the replaced one, if any.
func (mt *MemoryBTree) Put(it *Item) *Item {
	mt.lock.Lock()
	defer mt.lock.Unlock()

	old, ok := mt.tree.ReplaceOrInsert(it)
	if ok {
		return old
	}
	return nil
}

func (mt *MemoryBTree) Get(key []byte) *Item {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	it, ok := mt.tree.Get(&Item{Key: key})
	if ok {
		return it
	}
	return nil
}

func (mt *MemoryBTree) Delete(key []byte) (*Item, bool) {
	mt.lock.Lock()
	defer mt.lock.Unlock()

	return mt.tree.Delete(&Item{Key: key})
}

func (mt *MemoryBTree) Size() int {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	return mt.tree.Len()
}

// Clear drops every item.
func (mt *MemoryBTree) Clear() {
	mt.lock.Lock()
	defer mt.lock.Unlock()
	mt.tree.Clear(false)
}

// Ascend calls handleFn for every item in key order until it returns false.
func (mt *MemoryBTree) Ascend(handleFn func(it *Item) bool) {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	mt.tree.Ascend(handleFn)
}

// Seek returns the nearest item to key walking in dir, skipping an exact
// match unless inclusive is set and skipping every item for which skip
// reports true. A nil key starts from the first (Forward) or last (Backward)
// item. The result is nil when the walk runs off the end.
func (mt *MemoryBTree) Seek(key []byte, dir Direction, inclusive bool, skip func(it *Item) bool) *Item {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	var found *Item
	visit := func(it *Item) bool {
		if !inclusive && key != nil && bytes.Equal(it.Key, key) {
			return true
		}
		if skip != nil && skip(it) {
			return true
		}
		found = it
		return false
	}

	switch {
	case dir == Forward && key == nil:
		mt.tree.Ascend(visit)
	case dir == Forward:
		mt.tree.AscendGreaterOrEqual(&Item{Key: key}, visit)
	case key == nil:
		mt.tree.Descend(visit)
	default:
		mt.tree.DescendLessOrEqual(&Item{Key: key}, visit)
	}
	return found
}
