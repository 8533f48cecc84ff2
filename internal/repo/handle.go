package repo

import (
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

// DocHandle is a reference-counted accessor to one local replica. Once a
// handle is closed its mutations are ignored and its change futures fail
// with ErrHandleClosed.
type DocHandle struct {
	repo   *Repo
	shared *sharedDocument
	count  *atomic.Int64
	id     DocumentID
	closed atomic.Bool
}

// DocumentID returns the id of the document behind the handle.
func (h *DocHandle) DocumentID() DocumentID { return h.id }

// Clone returns a new handle to the same replica and increments the shared
// reference count. Cloning a closed handle yields another closed handle and
// leaves the count alone.
func (h *DocHandle) Clone() *DocHandle {
	c := &DocHandle{
		repo:   h.repo,
		id:     h.id,
		shared: h.shared,
		count:  h.count,
	}
	if h.closed.Load() {
		c.closed.Store(true)
		return c
	}
	h.count.Add(1)
	return c
}

// Close releases the handle. When the last handle to a document is closed
// the repo is told to close the document. Calling Close more than once on
// the same handle has no further effect.
func (h *DocHandle) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.count.Add(-1) == 0 {
		h.repo.send(closeEvent{id: h.id})
	}
}

func (h *DocHandle) references() int64 { return h.count.Load() }

// WithDoc runs f against a read-locked view of the replica and returns the
// document version f observed. It emits no change event.
func (h *DocHandle) WithDoc(f func(doc *automerge.Doc)) uint64 {
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	f(h.shared.doc)
	return h.shared.version
}

// WithDocMut runs f against the exclusively locked replica, commits what f
// wrote, then emits exactly one change event to local observers and peers.
// It returns the document version produced by the call. On a closed handle
// f is not run and the current version is returned.
func (h *DocHandle) WithDocMut(f func(doc *automerge.Doc)) uint64 {
	if h.closed.Load() {
		h.repo.logger.Warn("mutation on closed handle", zap.Stringer("doc", h.id))
		return h.Version()
	}

	h.shared.mu.Lock()
	f(h.shared.doc)
	if _, err := h.shared.doc.Commit(""); err != nil {
		// Nothing was written.
		h.repo.logger.Debug("commit", zap.Stringer("doc", h.id), zap.Error(err))
	}
	h.shared.version++
	version := h.shared.version
	h.shared.mu.Unlock()

	h.repo.send(changeEvent{id: h.id})
	return version
}

// Version returns the current document version.
func (h *DocHandle) Version() uint64 {
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	return h.shared.version
}

// Changed returns a future that resolves on the next change to the document.
func (h *DocHandle) Changed() <-chan error {
	return h.ChangedSince(h.Version())
}

// ChangedSince returns a future that resolves with nil once the document
// version is greater than version, immediately if it already is. It
// resolves with ErrShutdown if the repo stops first, and with
// ErrHandleClosed if the document has been closed.
func (h *DocHandle) ChangedSince(version uint64) <-chan error {
	ch := make(chan error, 1)
	if h.closed.Load() {
		ch <- ErrHandleClosed
		return ch
	}
	if !h.repo.send(observeEvent{id: h.id, since: version, ch: ch}) {
		ch <- ErrShutdown
	}
	return ch
}

// Done is closed when the owning repo stops.
func (h *DocHandle) Done() <-chan struct{} { return h.repo.done }
