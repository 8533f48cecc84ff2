// Package repo owns the local replicas of coordination documents and hands
// out reference-counted handles to them.
//
// # Overview
//
// A Repo is a small actor: one goroutine drains an inbox of events and is
// the only code that touches the repo's bookkeeping (open documents, change
// observers, per-peer sync states). Handles talk to it by sending events;
// the network layer talks to it through ReceiveSync, PeerJoined and
// PeerLeft.
//
//	         DocHandle (many, cloneable)
//	WithDoc ──────┐         │ WithDocMut / ChangedSince / Close
//	(RLock)       ▼         ▼
//	       ┌──────────────┐ events ┌─────────────┐  Network  ┌───────┐
//	       │sharedDocument│◄──────►│  Repo loop  │──────────►│ peers │
//	       │ RWMutex+Doc  │        │ SyncStates  │◄──────────│       │
//	       └──────────────┘        └─────────────┘ReceiveSync└───────┘
//	                                      │
//	                                      ▼
//	                                storage.Store
//
// # Handles
//
// Every handle to the same document shares one replica and one atomic
// reference count. Clone increments the count; Close decrements it, and
// the handle that takes it to zero sends the close event. Close is
// idempotent per handle. There is no separate delete operation.
//
// WithDocMut runs its closure under the write lock, commits the automerge
// transaction, bumps the document version and emits exactly one change
// event, which resolves every registered observer and starts a sync round
// with peers. WithDoc runs under the read lock and emits nothing. A closed
// handle ignores mutations, and Clone on it returns another closed handle.
//
// # Replication
//
// Documents are automerge documents and replicate with the automerge sync
// protocol. The loop keeps one automerge.SyncState per document and peer;
// after every local commit or applied message it asks each state for the
// next message and hands it to the Network, which must deliver messages to
// a peer in order. A fetch for a document that is neither open nor stored
// tracks an empty replica and syncs it with every peer; the fetch returns
// once a peer has supplied the document's first change.
//
// # Change notification
//
// ChangedSince(v) returns a single-use future that resolves with nil once
// the document version moves past v, and with ErrShutdown when the repo
// stops. Because the future knows the version its caller last observed, a
// change that lands between evaluating a predicate and registering the
// observer still wakes the caller. Callers re-register after every wakeup.
//
// # Thread Safety
//
// Repo and DocHandle methods are safe for concurrent use. The *automerge.Doc
// passed to closures must not escape them.
package repo
