package config

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/sjy-dv/kvlite/kv"
	"github.com/sjy-dv/kvlite/storage"
)

// Config holds the settings shared by every kvlite command. The kong tags
// define the command line flags; Default mirrors their defaults for callers
// that build a Config by hand.
type Config struct {
	DB             string        `name:"db" short:"d" default:"kvlite.db" env:"KVLITE_DB" help:"Database path, or :mem: for a throwaway in-memory store."`
	Engine         string        `name:"engine" default:"bolt" env:"KVLITE_ENGINE" help:"Storage engine: mem, bolt or badger."`
	ReadOnly       bool          `name:"read-only" help:"Open the database read only."`
	Create         bool          `name:"create" short:"c" help:"Create the database when it does not exist."`
	OmitJournaling bool          `name:"omit-journaling" help:"Skip fsync on commit."`
	PageCache      int           `name:"page-cache" default:"1024" help:"Number of records kept in the page cache, 0 disables it."`
	AutoCommit     string        `name:"auto-commit" default:"per_call" help:"Implicit transaction policy: per_call, batched or disabled. Under disabled each command commits once when it succeeds."`
	FlushThreshold int           `name:"flush-threshold" default:"256" help:"Mutations per implicit commit under the batched policy."`
	BusyTimeout    time.Duration `name:"busy-timeout" default:"0s" help:"How long to wait for a database locked by another process."`
	GCSchedule     string        `name:"gc-schedule" help:"Cron expression for badger value log collection."`
	LogLevel       string        `name:"log-level" default:"warn" env:"KVLITE_LOG_LEVEL" help:"Log level: trace, debug, info, warn or error."`
	LogJSON        bool          `name:"log-json" help:"Write logs as JSON instead of console text."`
	Hex            bool          `name:"hex" short:"x" help:"Keys and values are hex encoded on input and output."`
}

var Default = Config{
	DB:             "kvlite.db",
	Engine:         storage.EngineBolt,
	PageCache:      kv.DefaultOptions.MaxPageCache,
	AutoCommit:     kv.DefaultOptions.AutoCommit.String(),
	FlushThreshold: kv.DefaultOptions.FlushThreshold,
	LogLevel:       "warn",
}

func (c *Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("config: database path can not be empty")
	}
	if c.ReadOnly && c.Create {
		return fmt.Errorf("config: --read-only and --create can not be combined")
	}
	if !slices.Contains(storage.Engines(), c.Engine) {
		return fmt.Errorf("config: unknown engine %q, want one of %v", c.Engine, storage.Engines())
	}
	if c.PageCache < 0 {
		return fmt.Errorf("config: page cache must not be negative, got %d", c.PageCache)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("config: flush threshold must be positive, got %d", c.FlushThreshold)
	}
	if _, err := kv.ParseAutoCommit(c.AutoCommit); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := storage.CheckSchedule(c.GCSchedule); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Mode translates the flags into the open mode of the database.
func (c *Config) Mode() kv.Mode {
	if c.ReadOnly {
		return kv.ModeReadOnly
	}
	mode := kv.ModeReadWrite
	if c.Create {
		mode |= kv.ModeCreate
	}
	if c.OmitJournaling {
		mode |= kv.ModeOmitJournaling
	}
	return mode
}

// Options returns the open options for a validated Config.
func (c *Config) Options(logger zerolog.Logger) []kv.Option {
	policy, _ := kv.ParseAutoCommit(c.AutoCommit)
	return []kv.Option{
		kv.WithEngine(c.Engine),
		kv.WithMaxPageCache(c.PageCache),
		kv.WithAutoCommit(policy),
		kv.WithFlushThreshold(c.FlushThreshold),
		kv.WithBusyTimeout(c.BusyTimeout),
		kv.WithGCSchedule(c.GCSchedule),
		kv.WithLogger(logger),
	}
}

// Logger builds the process logger: colored console text or JSON.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	if !c.LogJSON {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05",
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", "kvlite").Logger()
}
