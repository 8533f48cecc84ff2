package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bakery/internal/storage"
)

var (
	// ErrShutdown is delivered to change observers and fetches when the repo stops.
	ErrShutdown = errors.New("repo: shut down")
	// ErrHandleClosed is delivered to observers of a document whose last handle closed.
	ErrHandleClosed = errors.New("repo: handle closed")
)

// DocumentID identifies a document on every replica.
type DocumentID string

// NewDocumentID returns a random document id.
func NewDocumentID() DocumentID {
	return DocumentID(uuid.NewString())
}

func (id DocumentID) String() string { return string(id) }

// Network carries sync messages to peers. Implementations must not block
// the caller and must deliver messages to a peer in the order they were
// sent; the repo invokes them from its event loop.
type Network interface {
	// Send delivers one sync message about a document to a peer.
	Send(peer string, id DocumentID, msg []byte)
}

type noNetwork struct{}

func (noNetwork) Send(string, DocumentID, []byte) {}

// sharedDocument is the replica shared by all handles of one document.
type sharedDocument struct {
	doc     *automerge.Doc
	version uint64 // bumped per local mutation and per sync that moved the heads
	mu      sync.RWMutex
}

type observer struct {
	ch    chan error
	since uint64
}

// docState is the loop's bookkeeping for a document. A document requested
// from peers is tracked before it is ready; it becomes ready, and its
// waiting fetches are answered, once a peer has supplied its first change.
type docState struct {
	shared    *sharedDocument
	count     *atomic.Int64
	syncs     map[string]*automerge.SyncState
	observers []observer
	waiters   []chan *DocHandle
	ready     bool
}

type (
	newDocEvent struct {
		reply chan *DocHandle
	}
	requestEvent struct {
		reply chan *DocHandle
		id    DocumentID
	}
	changeEvent struct {
		id DocumentID
	}
	observeEvent struct {
		ch    chan error
		id    DocumentID
		since uint64
	}
	closeEvent struct {
		id DocumentID
	}
	syncEvent struct {
		id   DocumentID
		from string
		msg  []byte
	}
	peerJoinedEvent struct {
		peer string
	}
	peerLeftEvent struct {
		peer string
	}
)

// Repo owns the local replicas and the event loop that serves their handles.
type Repo struct {
	network Network
	store   storage.Store
	logger  *zap.Logger
	onClose func(DocumentID)
	inbox   chan any
	quit    chan struct{}
	done    chan struct{}

	// owned by the event loop
	docs  map[DocumentID]*docState
	peers map[string]struct{}

	id       string
	netMu    sync.RWMutex
	stopOnce sync.Once
}

// Option configures a Repo.
type Option func(*Repo)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repo) { r.logger = l }
}

// WithOnClose registers a callback invoked from the event loop when the
// last handle to a document has been closed.
func WithOnClose(f func(DocumentID)) Option {
	return func(r *Repo) { r.onClose = f }
}

// WithStore sets the snapshot store. The default keeps snapshots in memory.
func WithStore(s storage.Store) Option {
	return func(r *Repo) { r.store = s }
}

// New creates a repo and starts its event loop. The repo is known to its
// peers by id; until SetNetwork is called its documents stay local.
//
// Parameters:
//   - id: Peer id of this replica set, unique within the cluster
//   - opts: Logger, snapshot store and close callback overrides
//
// Returns:
//   - *Repo: Running repo; call Stop to shut it down
//
// Example:
//
//	r := repo.New("1", repo.WithLogger(logger))
//	defer r.Stop()
//	h, err := r.NewDocument()
func New(id string, opts ...Option) *Repo {
	r := &Repo{
		id:      id,
		network: noNetwork{},
		store:   storage.NewMemoryStore(),
		logger:  zap.NewNop(),
		inbox:   make(chan any),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		docs:    make(map[DocumentID]*docState),
		peers:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("repo", id))
	go r.run()
	return r
}

// ID returns the peer id the repo was created with.
func (r *Repo) ID() string { return r.id }

// SetNetwork installs the transport used to replicate documents.
func (r *Repo) SetNetwork(n Network) {
	if n == nil {
		n = noNetwork{}
	}
	r.netMu.Lock()
	r.network = n
	r.netMu.Unlock()
}

func (r *Repo) net() Network {
	r.netMu.RLock()
	defer r.netMu.RUnlock()
	return r.network
}

// Done is closed once the repo has stopped.
func (r *Repo) Done() <-chan struct{} { return r.done }

// Stop shuts the event loop down. Pending change observers fail with
// ErrShutdown. Stop is idempotent and waits for the loop to exit.
func (r *Repo) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

// send delivers ev to the loop, reporting false once the repo has stopped.
func (r *Repo) send(ev any) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.done:
		return false
	}
}

// NewDocument creates an empty document and returns the first handle to it.
func (r *Repo) NewDocument() (*DocHandle, error) {
	reply := make(chan *DocHandle, 1)
	if !r.send(newDocEvent{reply: reply}) {
		return nil, ErrShutdown
	}
	h, ok := <-reply
	if !ok {
		return nil, ErrShutdown
	}
	return h, nil
}

// RequestDocument returns a handle to the document with the given id. If
// the document is not open locally it is loaded from the store or, failing
// that, requested from peers; the call then blocks until a peer supplies
// it, ctx is done, or the repo stops.
func (r *Repo) RequestDocument(ctx context.Context, id DocumentID) (*DocHandle, error) {
	reply := make(chan *DocHandle, 1)
	if !r.send(requestEvent{id: id, reply: reply}) {
		return nil, ErrShutdown
	}
	select {
	case h, ok := <-reply:
		if !ok {
			return nil, ErrShutdown
		}
		return h, nil
	case <-ctx.Done():
		// The loop may still answer; release that handle.
		go func() {
			if h, ok := <-reply; ok {
				h.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ReceiveSync applies a sync message from peer to the local replica of the
// document and answers it.
func (r *Repo) ReceiveSync(id DocumentID, from string, msg []byte) {
	r.send(syncEvent{id: id, from: from, msg: msg})
}

// PeerJoined starts a fresh sync exchange with peer for every document.
func (r *Repo) PeerJoined(peer string) {
	r.send(peerJoinedEvent{peer: peer})
}

// PeerLeft forgets the sync state held for peer.
func (r *Repo) PeerLeft(peer string) {
	r.send(peerLeftEvent{peer: peer})
}

func (r *Repo) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.inbox:
			r.handle(ev)
		case <-r.quit:
			r.shutdown()
			return
		}
	}
}

func (r *Repo) handle(ev any) {
	switch ev := ev.(type) {
	case newDocEvent:
		id := NewDocumentID()
		st := r.track(id, automerge.New())
		r.open(id, st, 1)
		r.logger.Debug("document created", zap.Stringer("doc", id))
		ev.reply <- r.handleFor(id, st)

	case requestEvent:
		r.onRequest(ev)

	case changeEvent:
		st, ok := r.docs[ev.id]
		if !ok || !st.ready {
			return
		}
		r.persist(ev.id, st)
		r.notify(st, nil)
		r.sync(ev.id, st)

	case observeEvent:
		st, ok := r.docs[ev.id]
		if !ok || !st.ready {
			ev.ch <- ErrHandleClosed
			return
		}
		st.shared.mu.RLock()
		version := st.shared.version
		st.shared.mu.RUnlock()
		if version > ev.since {
			ev.ch <- nil
			return
		}
		st.observers = append(st.observers, observer{ch: ev.ch, since: ev.since})

	case closeEvent:
		st, ok := r.docs[ev.id]
		if !ok || !st.ready || st.count.Load() > 0 {
			// Reopened by a fetch after the last handle dropped.
			return
		}
		r.persist(ev.id, st)
		r.notify(st, ErrHandleClosed)
		delete(r.docs, ev.id)
		r.logger.Debug("document closed", zap.Stringer("doc", ev.id))
		if r.onClose != nil {
			r.onClose(ev.id)
		}

	case syncEvent:
		r.onSync(ev)

	case peerJoinedEvent:
		r.peers[ev.peer] = struct{}{}
		for id, st := range r.docs {
			ss := automerge.NewSyncState(st.shared.doc)
			st.syncs[ev.peer] = ss
			r.syncPeer(id, st, ev.peer, ss)
		}

	case peerLeftEvent:
		delete(r.peers, ev.peer)
		for _, st := range r.docs {
			delete(st.syncs, ev.peer)
		}
	}
}

func (r *Repo) onRequest(ev requestEvent) {
	if st, ok := r.docs[ev.id]; ok {
		if !st.ready {
			st.waiters = append(st.waiters, ev.reply)
			return
		}
		st.count.Add(1)
		ev.reply <- r.handleFor(ev.id, st)
		return
	}

	doc, err := r.load(ev.id)
	if err == nil {
		st := r.track(ev.id, doc)
		r.open(ev.id, st, 1)
		ev.reply <- r.handleFor(ev.id, st)
		// Peers may hold changes the snapshot lacks.
		r.sync(ev.id, st)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("load snapshot", zap.Stringer("doc", ev.id), zap.Error(err))
	}

	st := r.track(ev.id, automerge.New())
	st.waiters = append(st.waiters, ev.reply)
	r.sync(ev.id, st)
}

func (r *Repo) onSync(ev syncEvent) {
	st, ok := r.docs[ev.id]
	if !ok {
		r.logger.Debug("sync for unknown document", zap.Stringer("doc", ev.id), zap.String("from", ev.from))
		return
	}
	ss, ok := st.syncs[ev.from]
	if !ok {
		ss = automerge.NewSyncState(st.shared.doc)
		st.syncs[ev.from] = ss
	}

	st.shared.mu.Lock()
	before := st.shared.doc.Heads()
	_, err := ss.ReceiveMessage(ev.msg)
	heads := st.shared.doc.Heads()
	changed := !slices.Equal(before, heads)
	if changed {
		st.shared.version++
	}
	st.shared.mu.Unlock()
	if err != nil {
		r.logger.Warn("apply sync message", zap.Stringer("doc", ev.id), zap.String("from", ev.from), zap.Error(err))
		return
	}

	switch {
	case changed && !st.ready && len(heads) > 0:
		waiters := st.waiters
		st.waiters = nil
		r.open(ev.id, st, int64(len(waiters)))
		r.logger.Debug("document fetched", zap.Stringer("doc", ev.id), zap.String("from", ev.from))
		for _, reply := range waiters {
			reply <- r.handleFor(ev.id, st)
		}
	case changed && st.ready:
		r.persist(ev.id, st)
		r.notify(st, nil)
	}
	// Answer the sender and relay anything new to everyone else.
	r.sync(ev.id, st)
}

// track starts bookkeeping for doc with a sync state per connected peer.
func (r *Repo) track(id DocumentID, doc *automerge.Doc) *docState {
	st := &docState{
		shared: &sharedDocument{doc: doc, version: 1},
		count:  new(atomic.Int64),
		syncs:  make(map[string]*automerge.SyncState, len(r.peers)),
	}
	for peer := range r.peers {
		st.syncs[peer] = automerge.NewSyncState(doc)
	}
	r.docs[id] = st
	return st
}

// open marks st ready with the given number of handles.
func (r *Repo) open(id DocumentID, st *docState, handles int64) {
	st.ready = true
	st.count.Store(handles)
	r.persist(id, st)
}

// sync offers every peer whatever it is missing of the document.
func (r *Repo) sync(id DocumentID, st *docState) {
	for peer, ss := range st.syncs {
		r.syncPeer(id, st, peer, ss)
	}
}

func (r *Repo) syncPeer(id DocumentID, st *docState, peer string, ss *automerge.SyncState) {
	st.shared.mu.RLock()
	msg, ok := ss.GenerateMessage()
	st.shared.mu.RUnlock()
	if ok {
		r.net().Send(peer, id, msg.Bytes())
	}
}

func (r *Repo) handleFor(id DocumentID, st *docState) *DocHandle {
	return &DocHandle{
		repo:   r,
		id:     id,
		shared: st.shared,
		count:  st.count,
	}
}

// notify resolves every observer of st with err.
func (r *Repo) notify(st *docState, err error) {
	for _, o := range st.observers {
		o.ch <- err
	}
	st.observers = nil
}

func (r *Repo) persist(id DocumentID, st *docState) {
	st.shared.mu.RLock()
	data := st.shared.doc.Save()
	st.shared.mu.RUnlock()
	if err := r.store.Save(id.String(), data); err != nil {
		r.logger.Warn("save snapshot", zap.Stringer("doc", id), zap.Error(err))
	}
}

func (r *Repo) load(id DocumentID) (*automerge.Doc, error) {
	data, err := r.store.Load(id.String())
	if err != nil {
		return nil, err
	}
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return doc, nil
}

func (r *Repo) shutdown() {
	for id, st := range r.docs {
		if !st.ready {
			for _, reply := range st.waiters {
				close(reply)
			}
			st.waiters = nil
			continue
		}
		r.persist(id, st)
		r.notify(st, ErrShutdown)
	}
	r.logger.Debug("repo stopped")
}
