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
	"fmt"

	"github.com/sjy-dv/kvlite/storage"
)

// MatchPolicy selects how SeekMatch treats a key that is not stored.
type MatchPolicy uint8

const (
	// MatchExact positions on key only.
	MatchExact MatchPolicy = iota
	// MatchLE positions on key or the largest key below it.
	MatchLE
	// MatchGE positions on key or the smallest key above it.
	MatchGE
)

// cursorState is one of unpositioned, positioned or exhausted.
type cursorState interface {
	cursorState()
}

type unpositioned struct{}

// positioned keeps the record as it was when the cursor moved onto it.
type positioned struct {
	key   []byte
	value []byte
}

type exhausted struct{}

func (unpositioned) cursorState() {}
func (positioned) cursorState()   {}
func (exhausted) cursorState()    {}

// Cursor walks the records visible to its handle in key order. Every step
// seeks relative to the last key, so records stored or deleted between
// steps are picked up or skipped.
type Cursor struct {
	db       *DB
	state    cursorState
	released bool
}

func (db *DB) Cursor() (*Cursor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("cursor"); err != nil {
		return nil, err
	}
	return &Cursor{db: db, state: unpositioned{}}, nil
}

func (c *Cursor) check(op string) error {
	if c.released {
		return newError(InvalidCursorState, op, errors.New("the cursor was released"))
	}
	return c.db.checkOpen(op)
}

func (c *Cursor) First() error {
	return c.position("first", nil, storage.Forward)
}

func (c *Cursor) Last() error {
	return c.position("last", nil, storage.Backward)
}

func (c *Cursor) position(op string, key []byte, dir storage.Direction) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check(op); err != nil {
		return err
	}
	return c.moveTo(op, key, dir, true)
}

// moveTo leaves the state untouched when the seek fails.
func (c *Cursor) moveTo(op string, key []byte, dir storage.Direction, inclusive bool) error {
	k, v, err := c.db.neighbor(key, dir, inclusive)
	if err != nil {
		return c.db.readFailure(op, err)
	}
	if k == nil {
		c.state = exhausted{}
		return nil
	}
	c.state = positioned{key: k, value: v}
	return nil
}

func (c *Cursor) Next() error {
	return c.step("next", storage.Forward)
}

func (c *Cursor) Prev() error {
	return c.step("prev", storage.Backward)
}

func (c *Cursor) step(op string, dir storage.Direction) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check(op); err != nil {
		return err
	}
	switch s := c.state.(type) {
	case unpositioned:
		return newError(InvalidCursorState, op, errors.New("the cursor is not positioned"))
	case exhausted:
		return nil
	case positioned:
		return c.moveTo(op, s.key, dir, false)
	default:
		panic(fmt.Sprintf("kv: unknown cursor state %T", s))
	}
}

// Seek positions the cursor on key. An absent key exhausts the cursor.
func (c *Cursor) Seek(key []byte) error {
	return c.SeekMatch(key, MatchExact)
}

func (c *Cursor) SeekMatch(key []byte, match MatchPolicy) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check("seek"); err != nil {
		return err
	}
	if len(key) == 0 {
		return newError(EmptyKey, "seek", errors.New("the key is empty"))
	}
	switch match {
	case MatchExact:
		value, ok, err := c.db.visible(key)
		if err != nil {
			return c.db.readFailure("seek", err)
		}
		if !ok {
			c.state = exhausted{}
			return nil
		}
		c.state = positioned{key: bytes.Clone(key), value: value}
		return nil
	case MatchLE:
		return c.moveTo("seek", key, storage.Backward, true)
	case MatchGE:
		return c.moveTo("seek", key, storage.Forward, true)
	}
	return newError(InvalidParameter, "seek", fmt.Errorf("unknown match policy %d", match))
}

// Valid reports whether the cursor is on a record.
func (c *Cursor) Valid() bool {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if c.released || c.db.closed {
		return false
	}
	_, ok := c.state.(positioned)
	return ok
}

func (c *Cursor) Key() ([]byte, error) {
	k, _, err := c.current("key")
	return k, err
}

func (c *Cursor) Value() ([]byte, error) {
	_, v, err := c.current("value")
	return v, err
}

func (c *Cursor) current(op string) ([]byte, []byte, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check(op); err != nil {
		return nil, nil, err
	}
	s, ok := c.state.(positioned)
	if !ok {
		return nil, nil, newError(InvalidCursorState, op, errors.New("the cursor is not on a record"))
	}
	return bytes.Clone(s.key), cloneValue(s.value), nil
}

// Delete removes the current record through the handle's normal write path
// and moves to the next record.
func (c *Cursor) Delete() error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check("cursor delete"); err != nil {
		return err
	}
	s, ok := c.state.(positioned)
	if !ok {
		return newError(InvalidCursorState, "cursor delete", errors.New("the cursor is not on a record"))
	}
	if err := c.db.deleteLocked("cursor delete", s.key); err != nil {
		return err
	}
	return c.moveTo("cursor delete", s.key, storage.Forward, false)
}

// Reset moves the cursor back to the unpositioned state.
func (c *Cursor) Reset() error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if err := c.check("reset"); err != nil {
		return err
	}
	c.state = unpositioned{}
	return nil
}

// Release detaches the cursor. Later calls fail with InvalidCursorState.
func (c *Cursor) Release() error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if c.released {
		return newError(InvalidCursorState, "release", errors.New("the cursor was already released"))
	}
	c.released = true
	c.state = unpositioned{}
	return nil
}
