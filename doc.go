// Package asidecache is a cache-aside layer over a remote key-value cache.
//
// Reads go to the cache first and fall back to a Loader on a miss. Concurrent
// misses on one key share a single load, and the result is written back with a
// jittered TTL. Confirmed absence is cached briefly as a not-found entry.
//
// Writes go to the data store first. The application then calls NotifyWrite
// (or wraps the commit in Write), which bumps per-resource generations and
// deletes every key that depends on the resource.
//
// Keys:
//
//	<ns>:v<schema>:<type>:id:<id>      - one resource
//	<ns>:v<schema>:<type>:q:<digest>   - a query over the type
//
// Coherence: an entry records the generations of the resources it was loaded
// under. Readers drop entries whose generations moved, and a loader that
// raced a write retracts its own entry with compare-and-delete.
//
// The cache is best-effort. When the store is slow or down every read goes to
// the data store and no error from the cache reaches the caller.
package asidecache
