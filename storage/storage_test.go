package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFactory func(t *testing.T) Engine

func engineFactories() map[string]engineFactory {
	return map[string]engineFactory{
		EngineMem: func(t *testing.T) Engine {
			e, err := Open(EngineMem, Options{})
			require.NoError(t, err)
			return e
		},
		EngineBolt: func(t *testing.T) Engine {
			e, err := Open(EngineBolt, Options{Path: filepath.Join(t.TempDir(), "test.db"), Create: true})
			require.NoError(t, err)
			return e
		},
		EngineBadger: func(t *testing.T) Engine {
			e, err := Open(EngineBadger, Options{Path: filepath.Join(t.TempDir(), "badger"), Create: true})
			require.NoError(t, err)
			return e
		},
	}
}

func TestEngines(t *testing.T) {
	for name, factory := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("GetMissing", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				_, err := e.Get([]byte("missing"))
				require.ErrorIs(t, err, ErrKeyNotFound)
			})
			t.Run("ApplyAndGet", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				require.Equal(t, name, e.Name())
				require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{
					{Key: []byte("a"), Value: []byte("1")},
					{Key: []byte("b"), Value: []byte("2")},
					{Key: []byte("empty")},
				}}))
				v, err := e.Get([]byte("a"))
				require.NoError(t, err)
				assert.Equal(t, []byte("1"), v)

				v, err = e.Get([]byte("empty"))
				require.NoError(t, err)
				assert.NotNil(t, v)
				assert.Len(t, v, 0)
			})
			t.Run("DeleteAndAppend", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{
					{Key: []byte("a"), Value: []byte("hello")},
					{Key: []byte("a"), Value: []byte(" world"), Append: true},
					{Key: []byte("fresh"), Value: []byte("x"), Append: true},
					{Key: []byte("gone"), Value: []byte("x")},
					{Key: []byte("gone"), Delete: true},
				}}))
				v, err := e.Get([]byte("a"))
				require.NoError(t, err)
				assert.Equal(t, []byte("hello world"), v)
				v, err = e.Get([]byte("fresh"))
				require.NoError(t, err)
				assert.Equal(t, []byte("x"), v)
				_, err = e.Get([]byte("gone"))
				require.ErrorIs(t, err, ErrKeyNotFound)
			})
			t.Run("Truncate", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{
					{Key: []byte("a"), Value: []byte("1")},
					{Key: []byte("b"), Value: []byte("2")},
				}}))
				require.NoError(t, e.Apply(&Batch{Truncate: true, Mutations: []Mutation{
					{Key: []byte("c"), Value: []byte("3")},
				}}))
				_, err := e.Get([]byte("a"))
				require.ErrorIs(t, err, ErrKeyNotFound)
				k, v, err := e.Seek(nil, Forward, true)
				require.NoError(t, err)
				assert.Equal(t, []byte("c"), k)
				assert.Equal(t, []byte("3"), v)
			})
			t.Run("Seek", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				var muts []Mutation
				for _, k := range []string{"b", "d", "f"} {
					muts = append(muts, Mutation{Key: []byte(k), Value: []byte("v" + k)})
				}
				require.NoError(t, e.Apply(&Batch{Mutations: muts}))

				cases := []struct {
					key       string
					dir       Direction
					inclusive bool
					want      string
				}{
					{"", Forward, true, "b"},
					{"", Backward, true, "f"},
					{"d", Forward, true, "d"},
					{"d", Forward, false, "f"},
					{"c", Forward, false, "d"},
					{"d", Backward, true, "d"},
					{"d", Backward, false, "b"},
					{"e", Backward, true, "d"},
					{"z", Backward, false, "f"},
					{"f", Forward, false, ""},
					{"b", Backward, false, ""},
					{"a", Backward, true, ""},
				}
				for _, tc := range cases {
					var key []byte
					if tc.key != "" {
						key = []byte(tc.key)
					}
					k, v, err := e.Seek(key, tc.dir, tc.inclusive)
					require.NoError(t, err)
					if tc.want == "" {
						assert.Nil(t, k, "seek %q dir=%d inclusive=%v", tc.key, tc.dir, tc.inclusive)
						continue
					}
					assert.Equal(t, tc.want, string(k), "seek %q dir=%d inclusive=%v", tc.key, tc.dir, tc.inclusive)
					assert.Equal(t, "v"+tc.want, string(v))
				}
			})
			t.Run("ValuesAreCopies", func(t *testing.T) {
				e := factory(t)
				defer e.Close()
				value := []byte("original")
				require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{{Key: []byte("k"), Value: value}}}))
				copy(value, "mutated!")
				v, err := e.Get([]byte("k"))
				require.NoError(t, err)
				assert.Equal(t, []byte("original"), v)
				v[0] = 'X'
				v, err = e.Get([]byte("k"))
				require.NoError(t, err)
				assert.Equal(t, []byte("original"), v)
			})
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open("lsm", Options{})
	require.ErrorIs(t, err, ErrUnknownEngine)
}

func TestMemReadOnly(t *testing.T) {
	e, err := Open(EngineMem, Options{ReadOnly: true})
	require.NoError(t, err)
	require.True(t, e.ReadOnly())
	err = e.Apply(&Batch{Mutations: []Mutation{{Key: []byte("a"), Value: []byte("1")}}})
	require.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), ErrClosed)
}

func TestFileEngineTarget(t *testing.T) {
	for _, name := range []string{EngineBolt, EngineBadger} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")

			_, err := Open(name, Options{Path: path})
			require.ErrorIs(t, err, ErrCantOpen)

			e, err := Open(name, Options{Path: path, Create: true})
			require.NoError(t, err)
			require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v")}}}))

			_, err = Open(name, Options{Path: path, Create: true})
			require.ErrorIs(t, err, ErrBusy)

			start := time.Now()
			_, err = Open(name, Options{Path: path, BusyTimeout: 50 * time.Millisecond})
			require.ErrorIs(t, err, ErrBusy)
			assert.Contains(t, err.Error(), "deadline exceeded")
			assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

			require.NoError(t, e.Close())

			_, err = Open(name, Options{Path: path, Create: true, Exclusive: true})
			require.ErrorIs(t, err, ErrCantOpen)

			ro, err := Open(name, Options{Path: path, ReadOnly: true})
			require.NoError(t, err)
			defer ro.Close()
			v, err := ro.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), v)
			err = ro.Apply(&Batch{Mutations: []Mutation{{Key: []byte("x"), Value: []byte("y")}}})
			require.ErrorIs(t, err, ErrReadOnly)
		})
	}
}

func TestBoltCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("junk"), 4096), 0644))
	_, err := Open(EngineBolt, Options{Path: path})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestBoltWriteTo(t *testing.T) {
	e, err := Open(EngineBolt, Options{Path: filepath.Join(t.TempDir(), "src.db"), Create: true})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Apply(&Batch{Mutations: []Mutation{{Key: []byte("k"), Value: []byte("v")}}}))

	snap, ok := e.(Snapshotter)
	require.True(t, ok)
	copyPath := filepath.Join(t.TempDir(), "copy.db")
	f, err := os.Create(copyPath)
	require.NoError(t, err)
	_, err = snap.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := Open(EngineBolt, Options{Path: copyPath, ReadOnly: true})
	require.NoError(t, err)
	defer c.Close()
	v, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestBadgerGC(t *testing.T) {
	require.ErrorIs(t, CheckSchedule("not a schedule"), ErrBadOption)
	require.NoError(t, CheckSchedule("@every 1h"))

	e, err := Open(EngineBadger, Options{
		Path:       filepath.Join(t.TempDir(), "badger"),
		Create:     true,
		GCSchedule: "@every 1h",
	})
	require.NoError(t, err)
	defer e.Close()
	collector, ok := e.(Collector)
	require.True(t, ok)
	require.NoError(t, collector.CollectGarbage())
}

func TestCache(t *testing.T) {
	e, err := Open(EngineBolt, Options{Path: filepath.Join(t.TempDir(), "cache.db"), Create: true})
	require.NoError(t, err)
	c, err := NewCache(e, 2)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Apply(&Batch{Mutations: []Mutation{
			{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte(fmt.Sprintf("v%d", i))},
		}}))
	}
	v, err := c.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	v[0] = 'X'

	v, err = c.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, c.Apply(&Batch{Mutations: []Mutation{{Key: []byte("k1"), Value: []byte("new")}}}))
	v, err = c.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	require.NoError(t, c.Apply(&Batch{Truncate: true}))
	_, err = c.Get([]byte("k1"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.ErrorIs(t, c.Resize(-1), ErrBadOption)
	require.NoError(t, c.Resize(0))
	assert.Equal(t, 0, c.Size())
	require.NoError(t, c.Resize(16))
	assert.Equal(t, 16, c.Size())
	assert.Same(t, e, c.Unwrap())
}
