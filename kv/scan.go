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

import "bytes"

// Each calls fn for every visible record in key order. The scan holds the
// handle lock for one step at a time, so fn may use the handle. An error
// from fn stops the scan and is returned as is.
func (db *DB) Each(fn func(key, value []byte) error) error {
	c, err := db.Cursor()
	if err != nil {
		return err
	}
	defer c.Release()

	for err = c.First(); err == nil; err = c.Next() {
		key, value, ok := c.record()
		if !ok {
			return nil
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return err
}

func (db *DB) EachKey(fn func(key []byte) error) error {
	return db.Each(func(key, _ []byte) error {
		return fn(key)
	})
}

func (db *DB) EachValue(fn func(value []byte) error) error {
	return db.Each(func(_, value []byte) error {
		return fn(value)
	})
}

// record returns the current record, ok is false once the cursor left the
// records.
func (c *Cursor) record() (key, value []byte, ok bool) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	s, ok := c.state.(positioned)
	if !ok {
		return nil, nil, false
	}
	return bytes.Clone(s.key), cloneValue(s.value), true
}
