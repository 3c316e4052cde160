package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/sjy-dv/kvlite/kv"
)

// env is bound into every command's Run method.
type env struct {
	ctx    context.Context
	db     *kv.DB
	codec  codec
	stdin  io.Reader
	stdout io.Writer
}

type codec struct {
	hex bool
}

func (c codec) decode(s string) ([]byte, error) {
	if !c.hex {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", s, err)
	}
	return b, nil
}

func (c codec) encode(b []byte) string {
	if c.hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func (c codec) pair(key, value string) ([]byte, []byte, error) {
	k, err := c.decode(key)
	if err != nil {
		return nil, nil, err
	}
	v, err := c.decode(value)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

type cmdStore struct {
	Key   string `arg:"" help:"Record key."`
	Value string `arg:"" help:"Record value."`
}

func (c *cmdStore) Run(e *env) error {
	k, v, err := e.codec.pair(c.Key, c.Value)
	if err != nil {
		return err
	}
	return e.db.Store(k, v)
}

type cmdAppend struct {
	Key   string `arg:"" help:"Record key."`
	Value string `arg:"" help:"Suffix to append."`
}

func (c *cmdAppend) Run(e *env) error {
	k, v, err := e.codec.pair(c.Key, c.Value)
	if err != nil {
		return err
	}
	return e.db.Append(k, v)
}

type cmdFetch struct {
	Key string `arg:"" help:"Record key."`
}

func (c *cmdFetch) Run(e *env) error {
	k, err := e.codec.decode(c.Key)
	if err != nil {
		return err
	}
	v, err := e.db.Fetch(k)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.stdout, e.codec.encode(v))
	return err
}

type cmdDelete struct {
	Keys []string `arg:"" help:"Keys to delete."`
}

// Run deletes all keys in one transaction.
func (c *cmdDelete) Run(e *env) error {
	return e.db.Transaction(func() error {
		for _, key := range c.Keys {
			k, err := e.codec.decode(key)
			if err != nil {
				return err
			}
			if err := e.db.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

type cmdHas struct {
	Key string `arg:"" help:"Record key."`
}

func (c *cmdHas) Run(e *env) error {
	k, err := e.codec.decode(c.Key)
	if err != nil {
		return err
	}
	ok, err := e.db.Include(k)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.stdout, ok)
	return err
}

type cmdKeys struct{}

func (c *cmdKeys) Run(e *env) error {
	return e.db.EachKey(func(k []byte) error {
		if err := e.ctx.Err(); err != nil {
			return err
		}
		_, err := fmt.Fprintln(e.stdout, e.codec.encode(k))
		return err
	})
}

type cmdDump struct{}

func (c *cmdDump) Run(e *env) error {
	return e.db.Each(func(k, v []byte) error {
		if err := e.ctx.Err(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(e.stdout, "%s\t%s\n", e.codec.encode(k), e.codec.encode(v))
		return err
	})
}

type cmdClear struct{}

func (c *cmdClear) Run(e *env) error {
	return e.db.Clear()
}

type cmdBackup struct {
	File string `arg:"" help:"Snapshot file to write, - for stdout."`
}

func (c *cmdBackup) Run(e *env) error {
	if c.File == "-" {
		return e.db.Backup(e.stdout)
	}
	return e.db.BackupToFile(c.File)
}

type cmdRestore struct {
	File string `arg:"" help:"Snapshot file to read, - for stdin."`
}

func (c *cmdRestore) Run(e *env) error {
	if c.File == "-" {
		return e.db.Restore(e.stdin)
	}
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.db.Restore(f)
}

type cmdStat struct{}

func (c *cmdStat) Run(e *env) error {
	st, err := e.db.Stat()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.stdout, "target\t%s\nengine\t%s\nrecords\t%d\nread_only\t%t\nauto_commit\t%s\nmax_page_cache\t%d\n",
		st.Target, st.Engine, st.Records, st.ReadOnly, st.AutoCommit, st.MaxPageCache)
	return err
}
