package cache

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Config configures a Cache. Zero values are replaced by defaults in Open.
type Config struct {
	// Root directory of the cache files.
	Path string
	// Directory levels below Path, e.g. []int{1, 2}. See cachekey.ParseLevels.
	Levels []int
	// File backing the shared index. Processes opening the same ZonePath
	// share one index. An empty ZonePath keeps the index private to this process.
	ZonePath string
	// Size of the shared index in bytes. Every entry uses index.NodeSize bytes.
	ZoneSize int
	// Upper limit of the total size of the cache files in bytes. Zero means unlimited.
	MaxSize int64
	// Free space the manager keeps available on the cache file system, in bytes.
	MinFree int64
	// Entries that are not accessed for Inactive are removed.
	Inactive time.Duration
	// Size of the buffer used to read the file header. Entries with a longer
	// header are not cached.
	BufferSize int
	// Block size used for size accounting. Determined from the file system when zero.
	BlockSize int64

	// The loader starts LoaderDelay after Start and adds at most LoaderFiles
	// files or works at most LoaderThreshold before pausing for LoaderSleep.
	LoaderDelay     time.Duration
	LoaderFiles     int
	LoaderSleep     time.Duration
	LoaderThreshold time.Duration

	// The manager removes at most ManagerFiles entries or works at most
	// ManagerThreshold per iteration, then pauses for ManagerSleep.
	ManagerFiles     int
	ManagerSleep     time.Duration
	ManagerThreshold time.Duration

	// Number of file headers kept in the per-process header cache and how
	// long they stay valid. Zero entries disables the header cache.
	HeaderCacheEntries int
	HeaderCacheValid   time.Duration

	// File system holding the cache files. The OS file system is used if nil.
	Fs afero.Fs
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics hooks. NoopMetrics is used if nil.
	Metrics Metrics
	// Clock for timestamps. Wall clock if nil.
	Clock Clock
}

// Policy holds per request knobs.
type Policy struct {
	// Number of lookups after which a response is cached. Zero means one.
	MinUses int
	// Allow only one request at a time to populate a new entry. A non-zero
	// LockTimeout enables the lock as well.
	Lock bool
	// A populating request that has not finished after LockAge loses the lock.
	LockAge time.Duration
	// How long a request waits for another request that populates the entry.
	// Zero means not to wait.
	LockTimeout time.Duration
	// Serve stale content while another request updates the entry, regardless
	// of the stale-while-revalidate window stored with the entry.
	UseStale bool
}

const (
	defaultZoneSize        = 10 << 20
	defaultInactive        = 10 * time.Minute
	defaultBufferSize      = 32 << 10
	defaultLoaderFiles     = 100
	defaultLoaderSleep     = 50 * time.Millisecond
	defaultLoaderThreshold = 200 * time.Millisecond
	defaultManagerFiles    = 100
	defaultManagerSleep    = 50 * time.Millisecond
	defaultManagerThresh   = 200 * time.Millisecond
	defaultHeaderValid     = time.Minute
	defaultLockAge         = 5 * time.Second

	// requests waiting for a lock poll at least this often
	lockPollInterval = 500 * time.Millisecond
	// forced eviction skips at most this many referenced entries
	forcedExpireTries = 20
	// manager wait after a forced eviction found only entries in use
	forcedExpireWait = time.Second
	// upper bound of the manager's idle wait
	maxManagerWait = 10 * time.Second
)

func (cfg *Config) setDefaults() {
	if cfg.ZoneSize == 0 {
		cfg.ZoneSize = defaultZoneSize
	}
	if cfg.Inactive == 0 {
		cfg.Inactive = defaultInactive
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.LoaderFiles == 0 {
		cfg.LoaderFiles = defaultLoaderFiles
	}
	if cfg.LoaderSleep == 0 {
		cfg.LoaderSleep = defaultLoaderSleep
	}
	if cfg.LoaderThreshold == 0 {
		cfg.LoaderThreshold = defaultLoaderThreshold
	}
	if cfg.ManagerFiles == 0 {
		cfg.ManagerFiles = defaultManagerFiles
	}
	if cfg.ManagerSleep == 0 {
		cfg.ManagerSleep = defaultManagerSleep
	}
	if cfg.ManagerThreshold == 0 {
		cfg.ManagerThreshold = defaultManagerThresh
	}
	if cfg.HeaderCacheValid == 0 {
		cfg.HeaderCacheValid = defaultHeaderValid
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
}

func (p Policy) minUses() uint32 {
	if p.MinUses < 1 {
		return 1
	}
	return uint32(p.MinUses)
}

func (p Policy) locking() bool {
	return p.Lock || p.LockTimeout > 0
}

func (p Policy) lockAge() time.Duration {
	if p.LockAge <= 0 {
		return defaultLockAge
	}
	return p.LockAge
}

// Clock provides the current time; useful for deterministic tests.
type Clock interface{ Now() time.Time }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
