package cmn

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/atomic"
)

// Config holds process-wide tunables. Analogous to the teacher's cmn.Config,
// served by the GCO (global config owner) singleton below.
type Config struct {
	// NumWorkers sizes the World's worker pool (C8).
	NumWorkers int
	// TableBuckets is the per-template instance-table (C4) shard count.
	TableBuckets int
	// MaxMsgSize is the active-message buffer cap (§5); payloads above this
	// must travel as iovecs.
	MaxMsgSize int
	// MaxDelayedMessages bounds the total number of active messages a World
	// may hold in its delayed-unpack map (messages that arrived for a
	// template id before that template registered locally). Exceeding it is
	// reported at fence time as a delayed-delivery overflow (§7).
	MaxDelayedMessages int
	// IdleTeardown is an idle duration for quiescent streams (§C7). No
	// component reads it: transport streams stay open until their Messenger
	// is closed.
	IdleTeardown time.Duration
	// Verbosity maps a module tag to a verbosity level for FastV.
	verbosity map[string]int
}

func (c *Config) Verbose(module string, level int) bool {
	if c == nil || c.verbosity == nil {
		return false
	}
	return c.verbosity[module] >= level
}

func defaultConfig() *Config {
	return &Config{
		NumWorkers:         8,
		TableBuckets:       64,
		MaxMsgSize:         4 * 1024, // 4 KiB, per spec.md §5
		MaxDelayedMessages: 4096,
		IdleTeardown:       30 * time.Second,
		verbosity:          map[string]int{},
	}
}

// globalConfigOwner mirrors the teacher's cmn.GCO: a process-wide handle
// serving an atomically-swapped *Config so readers never block a writer.
type globalConfigOwner struct {
	cur atomic.Value
}

func (g *globalConfigOwner) Get() *Config {
	v := g.cur.Load()
	if v == nil {
		return defaultConfig()
	}
	return v.(*Config)
}

func (g *globalConfigOwner) Put(c *Config) { g.cur.Store(c) }

// GCO is the process-wide config owner, set once at startup (e.g. from
// LoadEnv) and read everywhere else via GCO.Get().
var GCO = &globalConfigOwner{}

func init() { GCO.Put(defaultConfig()) }

// LoadEnv overrides defaults from environment variables, the stdlib
// equivalent of the teacher's viper-based config loading (see DESIGN.md for
// why viper itself isn't imported).
func LoadEnv() {
	c := *GCO.Get()
	if v := os.Getenv("TTG_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.NumWorkers = n
		}
	}
	if v := os.Getenv("TTG_TABLE_BUCKETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TableBuckets = n
		}
	}
	if v := os.Getenv("TTG_MAX_MSG_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxMsgSize = n
		}
	}
	if v := os.Getenv("TTG_MAX_DELAYED_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxDelayedMessages = n
		}
	}
	GCO.Put(&c)
}
