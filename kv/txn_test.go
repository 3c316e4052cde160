package kv

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sjy-dv/kvlite/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEngine fails Apply while fail is set.
type flakyEngine struct {
	storage.Engine
	fail bool
}

func (f *flakyEngine) Apply(b *storage.Batch) error {
	if f.fail {
		return &storage.IOError{Op: "apply", Err: errors.New("disk on fire")}
	}
	return f.Engine.Apply(b)
}

func withFlakyEngine(db *DB) *flakyEngine {
	f := &flakyEngine{Engine: db.engine}
	db.engine = f
	return f
}

func requireAbsent(t *testing.T, db *DB, key string) {
	t.Helper()
	_, err := db.Fetch([]byte(key))
	require.ErrorIs(t, err, ErrNotFound)
}

func requireValue(t *testing.T, db *DB, key, value string) {
	t.Helper()
	v, err := db.Fetch([]byte(key))
	require.NoError(t, err)
	assert.Equal(t, value, string(v))
}

func TestCommitAndRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.db")
	db := openAt(t, path, storage.EngineBolt, ModeCreate)

	require.NoError(t, db.Begin())
	assert.Equal(t, Active, db.TxState())
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	requireValue(t, db, "a", "1")
	require.NoError(t, db.Rollback())
	assert.Equal(t, NoTransaction, db.TxState())
	requireAbsent(t, db, "a")

	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("b"), []byte("2")))
	require.NoError(t, db.Append([]byte("b"), []byte("2")))
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	db = openAt(t, path, storage.EngineBolt, ModeReadWrite)
	requireValue(t, db, "b", "22")
	requireAbsent(t, db, "a")
}

func TestNestedBegin(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Begin())
	err := db.Begin()
	require.ErrorIs(t, err, ErrLockProtocol)
	assert.Equal(t, CodeLockErr, CodeOf(err))
	assert.Equal(t, Active, db.TxState())
	require.NoError(t, db.Rollback())
}

func TestEmptyCommitAndRollback(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Commit())
	require.NoError(t, db.Rollback())
	require.NoError(t, db.Begin())
	require.NoError(t, db.Commit())
	require.NoError(t, db.EndTransaction(true))
	require.NoError(t, db.EndTransaction(false))
}

func TestFailedCallKeepsTransaction(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.ErrorIs(t, db.Delete([]byte("missing")), ErrNotFound)
	requireAbsent(t, db, "missing")
	require.NoError(t, db.Commit())
	requireValue(t, db, "a", "1")
}

func TestTransactionFunc(t *testing.T) {
	db := openMem(t)
	boom := errors.New("boom")

	err := db.Transaction(func() error {
		require.NoError(t, db.Store([]byte("a"), []byte("1")))
		require.NoError(t, db.Store([]byte("a2"), []byte("2")))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, NoTransaction, db.TxState())
	requireAbsent(t, db, "a")
	requireAbsent(t, db, "a2")

	require.PanicsWithValue(t, "bad", func() {
		_ = db.Transaction(func() error {
			require.NoError(t, db.Store([]byte("b"), []byte("2")))
			panic("bad")
		})
	})
	assert.Equal(t, NoTransaction, db.TxState())
	requireAbsent(t, db, "b")

	require.NoError(t, db.Transaction(func() error {
		return db.Store([]byte("c"), []byte("3"))
	}))
	requireValue(t, db, "c", "3")

	err = db.Transaction(func() error {
		return db.Transaction(func() error { return nil })
	})
	require.ErrorIs(t, err, ErrLockProtocol)
	assert.Equal(t, NoTransaction, db.TxState())
}

func TestCommitFailureKeepsTransactionActive(t *testing.T) {
	db := openMem(t)
	flaky := withFlakyEngine(db)

	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	flaky.fail = true
	err := db.Commit()
	require.ErrorIs(t, err, ErrIO)
	assert.True(t, KindOf(err).Fatal())
	assert.Equal(t, Active, db.TxState())

	flaky.fail = false
	require.NoError(t, db.Commit())
	requireValue(t, db, "a", "1")
}

func TestTransactionFuncRollsBackFailedCommit(t *testing.T) {
	db := openMem(t)
	flaky := withFlakyEngine(db)
	flaky.fail = true

	err := db.Transaction(func() error {
		return db.Store([]byte("a"), []byte("1"))
	})
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, NoTransaction, db.TxState())
	flaky.fail = false
	requireAbsent(t, db, "a")
}

func TestAutoCommitPerCall(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	requireAbsent(t, db, "missing")
	requireValue(t, db, "a", "1")

	st, err := db.Stat()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)

	flaky := withFlakyEngine(db)
	flaky.fail = true
	require.ErrorIs(t, db.Store([]byte("b"), []byte("2")), ErrIO)
	flaky.fail = false
	requireAbsent(t, db, "b")
	requireValue(t, db, "a", "1")
}

func TestAutoCommitBatchedRollsBackOnFailedFetch(t *testing.T) {
	var logs bytes.Buffer
	db := openMem(t, WithAutoCommit(AutoCommitBatched), WithLogger(zerolog.New(&logs)))

	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	requireValue(t, db, "a", "1")
	requireAbsent(t, db, "missing")
	requireAbsent(t, db, "a")
	assert.Contains(t, logs.String(), "implicit transaction rolled back")

	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.Commit())
	requireAbsent(t, db, "missing")
	requireValue(t, db, "a", "1")
}

func TestAutoCommitBatchedRollsBackOnFailedDelete(t *testing.T) {
	db := openMem(t, WithAutoCommit(AutoCommitBatched))
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.ErrorIs(t, db.Delete([]byte("missing")), ErrNotFound)
	requireAbsent(t, db, "a")
}

func TestAutoCommitBatchedKeepsUnitOnValidationFailure(t *testing.T) {
	db := openMem(t, WithAutoCommit(AutoCommitBatched))
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.ErrorIs(t, db.Store(nil, []byte("1")), ErrEmptyKey)
	_, err := db.Fetch(nil)
	require.ErrorIs(t, err, ErrEmptyKey)
	v, err := db.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, v)
	requireValue(t, db, "a", "1")
}

func TestAutoCommitBatchedThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batched.db")
	db := openAt(t, path, storage.EngineBolt, ModeCreate, WithAutoCommit(AutoCommitBatched), WithFlushThreshold(3))

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Store([]byte(k), []byte(k)))
	}
	st, err := db.Stat()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)

	require.NoError(t, db.Store([]byte("d"), []byte("d")))
	requireAbsent(t, db, "missing")
	requireAbsent(t, db, "d")
	for _, k := range []string{"a", "b", "c"} {
		requireValue(t, db, k, k)
	}
}

func TestAutoCommitBatchedFlushesOnBeginAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush.db")
	db := openAt(t, path, storage.EngineBolt, ModeCreate, WithAutoCommit(AutoCommitBatched))

	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("b"), []byte("2")))
	require.NoError(t, db.Rollback())
	requireValue(t, db, "a", "1")
	requireAbsent(t, db, "b")

	require.NoError(t, db.Store([]byte("c"), []byte("3")))
	require.NoError(t, db.Close())

	db = openAt(t, path, storage.EngineBolt, ModeReadWrite)
	requireValue(t, db, "a", "1")
	requireValue(t, db, "c", "3")
}

func TestAutoCommitBatchedFailedFlush(t *testing.T) {
	db := openMem(t, WithAutoCommit(AutoCommitBatched), WithFlushThreshold(2))
	flaky := withFlakyEngine(db)

	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	flaky.fail = true
	require.ErrorIs(t, db.Store([]byte("b"), []byte("2")), ErrIO)
	flaky.fail = false
	requireAbsent(t, db, "a")
	requireAbsent(t, db, "b")
}

func TestDisableAutoCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.db")
	db := openAt(t, path, storage.EngineBolt, ModeCreate)
	require.NoError(t, db.DisableAutoCommit())
	assert.Equal(t, AutoCommitDisabled, db.AutoCommitPolicy())

	for i := 0; i < 300; i++ {
		require.NoError(t, db.Store([]byte{byte(i >> 8), byte(i), 'k'}, []byte("v")))
	}
	requireAbsent(t, db, "missing")
	require.ErrorIs(t, db.Delete([]byte("missing")), ErrNotFound)
	st, err := db.Stat()
	require.NoError(t, err)
	assert.Equal(t, 300, st.Pending)

	require.NoError(t, db.Store([]byte("kept"), []byte("1")))
	require.NoError(t, db.Commit())
	require.NoError(t, db.Store([]byte("lost"), []byte("1")))
	require.NoError(t, db.Close())

	db = openAt(t, path, storage.EngineBolt, ModeReadWrite)
	requireValue(t, db, "kept", "1")
	requireAbsent(t, db, "lost")
}

func TestDisableAutoCommitJoinsExplicitTransaction(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.DisableAutoCommit())
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("b"), []byte("2")))
	require.NoError(t, db.Rollback())
	requireAbsent(t, db, "a")
	requireAbsent(t, db, "b")
}

func TestSetAutoCommitFlushesUnit(t *testing.T) {
	db := openMem(t, WithAutoCommit(AutoCommitBatched))
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.SetAutoCommit(AutoCommitPerCall))
	requireAbsent(t, db, "missing")
	requireValue(t, db, "a", "1")
	require.ErrorIs(t, db.SetAutoCommit(AutoCommit(9)), ErrInvalidParameter)
}

func TestCloseRollsBackOpenTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.db")
	db := openAt(t, path, storage.EngineBolt, ModeCreate)
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.Begin())
	require.NoError(t, db.Store([]byte("b"), []byte("2")))
	require.NoError(t, db.Close())

	db = openAt(t, path, storage.EngineBolt, ModeReadWrite)
	requireValue(t, db, "a", "1")
	requireAbsent(t, db, "b")
}

func TestClearInsideTransaction(t *testing.T) {
	db := openMem(t)
	require.NoError(t, db.Store([]byte("a"), []byte("1")))
	require.NoError(t, db.Store([]byte("b"), []byte("2")))

	require.NoError(t, db.Begin())
	require.NoError(t, db.Clear())
	requireAbsent(t, db, "a")
	require.NoError(t, db.Append([]byte("a"), []byte("x")))
	requireValue(t, db, "a", "x")
	require.NoError(t, db.Rollback())

	requireValue(t, db, "a", "1")
	requireValue(t, db, "b", "2")
}

func TestTxStateString(t *testing.T) {
	assert.Equal(t, "none", NoTransaction.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "committing", Committing.String())
	assert.Equal(t, "aborting", Aborting.String())
}
