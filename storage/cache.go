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
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache keeps recently read records of a file engine in memory. Size is
// counted in records. A size of zero disables the cache.
type Cache struct {
	Engine

	mu   sync.Mutex
	lru  *lru.Cache[string, []byte]
	size int
}

func NewCache(e Engine, size int) (*Cache, error) {
	c := &Cache{Engine: e}
	if err := c.Resize(size); err != nil {
		return nil, err
	}
	return c, nil
}

// Unwrap returns the cached engine.
func (c *Cache) Unwrap() Engine {
	return c.Engine
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) Resize(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: page cache size %d", ErrBadOption, size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case size == 0:
		c.lru = nil
	case c.lru == nil:
		l, err := lru.New[string, []byte](size)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadOption, err)
		}
		c.lru = l
	default:
		c.lru.Resize(size)
	}
	c.size = size
	return nil
}

func (c *Cache) Get(key []byte) ([]byte, error) {
	c.mu.Lock()
	l := c.lru
	c.mu.Unlock()
	if l == nil {
		return c.Engine.Get(key)
	}
	if v, ok := l.Get(string(key)); ok {
		return bytes.Clone(v), nil
	}
	v, err := c.Engine.Get(key)
	if err != nil {
		return nil, err
	}
	l.Add(string(key), bytes.Clone(v))
	return v, nil
}

// Apply forwards the batch and drops every cached record it touched, on
// failure too since a partial commit state is unknown to the cache.
func (c *Cache) Apply(b *Batch) error {
	err := c.Engine.Apply(b)
	c.mu.Lock()
	l := c.lru
	c.mu.Unlock()
	if l == nil || b.Empty() {
		return err
	}
	if b.Truncate {
		l.Purge()
		return err
	}
	for _, mu := range b.Mutations {
		l.Remove(string(mu.Key))
	}
	return err
}

func (c *Cache) Close() error {
	c.mu.Lock()
	if c.lru != nil {
		c.lru.Purge()
	}
	c.mu.Unlock()
	return c.Engine.Close()
}
