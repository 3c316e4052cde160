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
)

// TxState is the transaction state of a handle.
type TxState uint8

const (
	NoTransaction TxState = iota
	Active
	Committing
	Aborting
)

func (s TxState) String() string {
	switch s {
	case NoTransaction:
		return "none"
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Aborting:
		return "aborting"
	}
	return fmt.Sprintf("tx_state(%d)", uint8(s))
}

func (db *DB) TxState() TxState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// Begin starts an explicit transaction. An open implicit unit is committed
// first, except under AutoCommitDisabled where its mutations join the new
// transaction. A handle holds at most one transaction, so a second Begin
// fails with LockProtocol.
func (db *DB) Begin() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("begin"); err != nil {
		return err
	}
	if db.state != NoTransaction {
		return newError(LockProtocol, "begin", errors.New("a transaction is already active on this handle"))
	}
	if db.autoCommit != AutoCommitDisabled {
		if err := db.commitUnit("begin"); err != nil {
			return err
		}
	}
	db.state = Active
	db.logger.Debug().Msg("transaction started")
	return nil
}

// Commit makes the explicit transaction durable. When the engine rejects the
// batch the transaction stays Active with its mutations, so the caller can
// retry or roll back. Without an explicit transaction Commit flushes the
// implicit unit.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("commit"); err != nil {
		return err
	}
	if db.state == NoTransaction {
		return db.commitUnit("commit")
	}

	db.state = Committing
	n := db.pending.ops
	if !db.pending.empty() {
		if err := db.engine.Apply(db.pending.batch()); err != nil {
			db.state = Active
			db.logger.Warn().Err(err).Int("mutations", n).Msg("commit failed, transaction still active")
			return wrapError("commit", err)
		}
	}
	db.pending.reset()
	db.state = NoTransaction
	db.logger.Debug().Int("mutations", n).Msg("transaction committed")
	return nil
}

// commitUnit commits the implicit unit and keeps it when the engine fails.
func (db *DB) commitUnit(op string) error {
	if db.pending.empty() {
		return nil
	}
	n := db.pending.ops
	if err := db.engine.Apply(db.pending.batch()); err != nil {
		return wrapError(op, err)
	}
	db.pending.reset()
	db.logger.Debug().Str("op", op).Int("mutations", n).Msg("implicit transaction committed")
	return nil
}

// Rollback discards every mutation since Begin, or the implicit unit when no
// transaction is active.
func (db *DB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("rollback"); err != nil {
		return err
	}
	n := db.pending.ops
	if db.state == NoTransaction {
		db.pending.reset()
		if n > 0 {
			db.logger.Debug().Int("discarded", n).Msg("implicit transaction rolled back")
		}
		return nil
	}
	db.state = Aborting
	db.pending.reset()
	db.state = NoTransaction
	db.logger.Debug().Int("discarded", n).Msg("transaction rolled back")
	return nil
}

// EndTransaction commits when commit is true and rolls back otherwise.
func (db *DB) EndTransaction(commit bool) error {
	if commit {
		return db.Commit()
	}
	return db.Rollback()
}

// Transaction runs fn inside an explicit transaction. The transaction is
// committed when fn returns nil and rolled back when fn fails or panics; the
// failure or panic is passed on unchanged. A commit failure is rolled back
// and returned.
func (db *DB) Transaction(fn func() error) error {
	if err := db.Begin(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = db.Rollback()
			panic(r)
		}
	}()

	if err := fn(); err != nil {
		_ = db.Rollback()
		return err
	}
	if err := db.Commit(); err != nil {
		_ = db.Rollback()
		return err
	}
	return nil
}

// SetAutoCommit switches the implicit transaction policy. Switching to
// AutoCommitPerCall commits an open implicit unit first.
func (db *DB) SetAutoCommit(policy AutoCommit) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkOpen("auto_commit"); err != nil {
		return err
	}
	if int(policy) >= len(autoCommitNames) {
		return newError(InvalidParameter, "auto_commit", fmt.Errorf("unknown policy %d", policy))
	}
	if db.state == NoTransaction && policy == AutoCommitPerCall {
		if err := db.commitUnit("auto_commit"); err != nil {
			return err
		}
	}
	db.autoCommit = policy
	return nil
}

// DisableAutoCommit stops implicit commits. Mutations outside an explicit
// transaction wait for Commit and are discarded by Close.
func (db *DB) DisableAutoCommit() error {
	return db.SetAutoCommit(AutoCommitDisabled)
}

func (db *DB) AutoCommitPolicy() AutoCommit {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.autoCommit
}
