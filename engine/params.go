package engine

const (
	// maxCacheTries is the maximum number of probes using open addressing
	// before evicting a clean block from the cache.
	maxCacheTries = 10

	// MinCacheBlocks is the lower bound on the cache size. A transaction needs
	// to pin several blocks at once (master block, tree path, heap tail), so
	// smaller requested sizes are raised to this value.
	MinCacheBlocks = 64
)
