// Package engine runs render tasks asynchronously. A fixed pool of workers,
// each owning one render.Context, takes tasks from a bounded queue, resolves
// a generation backend through the registry, enforces timeouts via context
// deadlines, and records every output message in the store while fanning it
// out to live subscribers.
package engine
