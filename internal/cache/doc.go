/*
Package cache holds fixed-size blocks of remote objects in memory.

The S3 adapter reads objects in aligned blocks and keeps them in a BlockCache
so that small sequential reads against a high-latency store turn into one
ranged GET per block:

	c := cache.NewBlockCache(&cache.Config{MaxSize: 64 << 20})
	if data, ok := c.Get("bucket/key", 3); ok {
		// serve from memory
	}
	c.Put("bucket/key", 3, block)

Eviction is least recently used, bounded by total bytes and optionally by
entry count. Entries older than TTL are dropped on access or by Prune.
Writers call Invalidate so that later readers never see stale blocks.
*/
package cache
