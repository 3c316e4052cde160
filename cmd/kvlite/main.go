package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sjy-dv/kvlite/config"
	"github.com/sjy-dv/kvlite/kv"
)

// CliConfig holds what the command needs from its process so tests can run
// it against buffers.
type CliConfig struct {
	Name        string
	Description string
	Exit        func(int)
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "kvlite",
		Description: "Inspect and edit a kvlite database.",
		Exit:        os.Exit,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

type cli struct {
	config.Config `embed:""`

	Store   cmdStore   `cmd:"" help:"Store a value under a key."`
	Append  cmdAppend  `cmd:"" help:"Append to the value of a key."`
	Fetch   cmdFetch   `cmd:"" help:"Print the value of a key."`
	Delete  cmdDelete  `cmd:"" help:"Delete a key."`
	Has     cmdHas     `cmd:"" help:"Print whether a key exists."`
	Keys    cmdKeys    `cmd:"" help:"List every key."`
	Dump    cmdDump    `cmd:"" help:"Print every record as key, tab, value."`
	Clear   cmdClear   `cmd:"" help:"Delete every record."`
	Backup  cmdBackup  `cmd:"" help:"Write a snapshot of the database to a file."`
	Restore cmdRestore `cmd:"" help:"Replace the database contents with a snapshot."`
	Stat    cmdStat    `cmd:"" help:"Show database statistics."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], NewCliConfig())
	stop()
	os.Exit(code)
}

// run parses args, opens the database, runs the selected command and closes
// the database again. It returns the process exit code.
func run(ctx context.Context, args []string, cfg *CliConfig) int {
	var c cli
	parser, err := kong.New(&c,
		kong.Name(cfg.Name),
		kong.Description(cfg.Description),
		kong.Exit(cfg.Exit),
		kong.Writers(cfg.Stdout, cfg.Stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: %v\n", cfg.Name, err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: %v\n", cfg.Name, err)
		return 2
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: %v\n", cfg.Name, err)
		return 2
	}

	logger := c.Logger(cfg.Stderr)
	db, err := kv.Open(c.DB, c.Mode(), c.Options(logger)...)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: %v\n", cfg.Name, err)
		return exitCode(err)
	}
	logger.Debug().Str("db", c.DB).Str("command", kctx.Command()).Msg("running command")

	err = kctx.Run(&env{
		ctx:    ctx,
		db:     db,
		codec:  codec{hex: c.Hex},
		stdin:  cfg.Stdin,
		stdout: cfg.Stdout,
	})
	// Close discards the implicit unit under --auto-commit disabled, so a
	// successful command is committed here.
	if err == nil {
		err = db.Commit()
	}
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: %v\n", cfg.Name, err)
		return exitCode(err)
	}
	return 0
}

// exitCode reports missing keys with 3 so scripts can tell them apart from
// real failures.
func exitCode(err error) int {
	if kv.KindOf(err) == kv.NotFound {
		return 3
	}
	return 1
}
