// Package storage persists encoded document snapshots for the repo.
//
// The repo saves a snapshot of a replica after every local transaction and
// every effective merge, and consults the store before asking peers for a
// document it does not hold open. Snapshots are opaque byte slices keyed by
// document id; the bytes are automerge.Doc.Save output.
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - Fast operations (nanosecond latency)
//   - No persistence (data lost on restart)
//   - Suitable for a coordination session, whose document lives only as
//     long as the participating processes
//
// # Thread Safety
//
// All Store implementations must be safe for concurrent use. The repo event
// loop writes while HTTP handlers read statistics.
//
// # Usage Example
//
//	store := storage.NewMemoryStore()
//	if err := store.Save(id, snapshot); err != nil {
//	    return err
//	}
//	data, err := store.Load(id)
//	if errors.Is(err, storage.ErrNotFound) {
//	    // ask the network instead
//	}
package storage
