package cache

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictInactive: not accessed for Config.Inactive.
	EvictInactive EvictReason = iota
	// EvictForced: removed to satisfy size, index or free space limits.
	EvictForced
	// EvictPurge: removed by Purge.
	EvictPurge
)

func (r EvictReason) String() string {
	switch r {
	case EvictForced:
		return "forced"
	case EvictPurge:
		return "purge"
	default:
		return "inactive"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is used by default.
type Metrics interface {
	// Lookup is called with the outcome of a lookup once it no longer waits for a lock.
	Lookup(status Status)
	// Store is called when a populated entry is published.
	Store(bytes int64)
	Evict(reason EvictReason)
	// Size reports the number of entries and the total size of the cache files.
	Size(entries int64, bytes int64)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Lookup(Status)     {}
func (NoopMetrics) Store(int64)       {}
func (NoopMetrics) Evict(EvictReason) {}
func (NoopMetrics) Size(int64, int64) {}

var _ Metrics = NoopMetrics{}
