package repo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bakery/internal/storage"
)

// link is an in-process Network with one ordered queue per peer,
// delivering asynchronously like a socket.
type link struct {
	peers  map[string]*Repo
	queues map[string]chan func()
	self   string
}

func (l *link) Send(peer string, id DocumentID, msg []byte) {
	q, ok := l.queues[peer]
	if !ok {
		return
	}
	p, from := l.peers[peer], l.self
	q <- func() { p.ReceiveSync(id, from, msg) }
}

// connect wires every repo to every other repo and announces the peers.
func connect(t *testing.T, repos ...*Repo) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	for _, r := range repos {
		l := &link{self: r.ID(), peers: make(map[string]*Repo), queues: make(map[string]chan func())}
		for _, p := range repos {
			if p == r {
				continue
			}
			q := make(chan func(), 1024)
			l.peers[p.ID()] = p
			l.queues[p.ID()] = q
			go func(q chan func()) {
				for {
					select {
					case f := <-q:
						f()
					case <-done:
						return
					}
				}
			}(q)
		}
		r.SetNetwork(l)
	}
	for _, r := range repos {
		for _, p := range repos {
			if p != r {
				r.PeerJoined(p.ID())
			}
		}
	}
}

func set(key string, v uint64) func(*automerge.Doc) {
	return func(doc *automerge.Doc) {
		_ = doc.Path(key).Set(v)
	}
}

func value(doc *automerge.Doc, key string) uint64 {
	v, err := doc.Path(key).Get()
	if err != nil || v.Kind() != automerge.KindUint64 {
		return 0
	}
	return v.Uint64()
}

func get(h *DocHandle, key string) uint64 {
	var v uint64
	h.WithDoc(func(doc *automerge.Doc) { v = value(doc, key) })
	return v
}

func waitChange(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
		return nil
	}
}

func TestNewDocumentReadWrite(t *testing.T) {
	r := New("a")
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	assert.NotEmpty(t, h.DocumentID())
	assert.Equal(t, "a", r.ID())
	assert.Equal(t, int64(1), h.references())

	before := h.Version()
	after := h.WithDocMut(set("output", 3))
	assert.Equal(t, before+1, after)
	assert.Equal(t, uint64(3), get(h, "output"))
	assert.Equal(t, after, h.WithDoc(func(*automerge.Doc) {}))
}

// TestChangedResolvesOnMutation verifies a mutation through any handle
// wakes observers registered on every other handle.
func TestChangedResolvesOnMutation(t *testing.T) {
	r := New("a")
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	other := h.Clone()
	defer other.Close()

	ch := h.Changed()
	select {
	case <-ch:
		t.Fatal("observer resolved without a change")
	case <-time.After(50 * time.Millisecond):
	}

	go other.WithDocMut(set("k", 1))
	require.NoError(t, waitChange(t, ch))
	assert.Equal(t, uint64(1), get(h, "k"))

	t.Run("read does not notify", func(t *testing.T) {
		ch := h.Changed()
		other.WithDoc(func(*automerge.Doc) {})
		select {
		case <-ch:
			t.Fatal("read emitted a change event")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

// TestChangedSinceMissedChange verifies a change that happened before the
// observer registered still resolves it.
func TestChangedSinceMissedChange(t *testing.T) {
	r := New("a")
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)

	seen := h.Version()
	h.WithDocMut(set("k", 1))

	require.NoError(t, waitChange(t, h.ChangedSince(seen)))
}

func TestHandleLifecycle(t *testing.T) {
	closed := make(chan DocumentID, 4)
	store := storage.NewMemoryStore()
	r := New("a", WithStore(store), WithOnClose(func(id DocumentID) { closed <- id }))
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	h.WithDocMut(set("output", 5))

	c1 := h.Clone()
	c2 := c1.Clone()
	assert.Equal(t, int64(3), h.references())

	c1.Close()
	c1.Close() // idempotent
	assert.Equal(t, int64(2), h.references())

	h.Close()
	select {
	case <-closed:
		t.Fatal("closed while a handle is still open")
	case <-time.After(50 * time.Millisecond):
	}

	c2.Close()
	select {
	case id := <-closed:
		assert.Equal(t, h.DocumentID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("close notification not sent")
	}
	select {
	case <-closed:
		t.Fatal("close notification sent twice")
	case <-time.After(50 * time.Millisecond):
	}

	assert.ErrorIs(t, <-c2.Changed(), ErrHandleClosed)

	// The snapshot survives the close and reopens with a fresh count.
	reopened, err := r.RequestDocument(context.Background(), h.DocumentID())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(1), reopened.references())
	assert.Equal(t, uint64(5), get(reopened, "output"))
	assert.Equal(t, 1, store.Stats().Documents)
}

func TestShutdownFailsObservers(t *testing.T) {
	r := New("a")

	h, err := r.NewDocument()
	require.NoError(t, err)

	ch := h.Changed()
	r.Stop()
	assert.ErrorIs(t, waitChange(t, ch), ErrShutdown)
	assert.ErrorIs(t, <-h.Changed(), ErrShutdown)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	_, err = r.NewDocument()
	assert.ErrorIs(t, err, ErrShutdown)

	r.Stop() // idempotent
}

func TestRequestDocumentCancelled(t *testing.T) {
	r := New("a")
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.RequestDocument(ctx, NewDocumentID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestDocumentFailsOnStop(t *testing.T) {
	r := New("a")

	errs := make(chan error, 1)
	go func() {
		_, err := r.RequestDocument(context.Background(), NewDocumentID())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	assert.ErrorIs(t, <-errs, ErrShutdown)
}

// TestReplication verifies documents are fetched from peers and that
// changes on either side converge and wake observers on the other.
func TestReplication(t *testing.T) {
	a, b, c := New("a"), New("b"), New("c")
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()
	connect(t, a, b, c)

	ha, err := a.NewDocument()
	require.NoError(t, err)
	ha.WithDocMut(set("output", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hb, err := b.RequestDocument(ctx, ha.DocumentID())
	require.NoError(t, err)
	hc, err := c.RequestDocument(ctx, ha.DocumentID())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), get(hb, "output"))

	var woke atomic.Int32
	var wg sync.WaitGroup
	for _, h := range []*DocHandle{ha, hc} {
		wg.Add(1)
		go func(h *DocHandle) {
			defer wg.Done()
			for {
				var v uint64
				version := h.WithDoc(func(doc *automerge.Doc) { v = value(doc, "output") })
				if v == 2 {
					break
				}
				if err := <-h.ChangedSince(version); err != nil {
					return
				}
			}
			woke.Add(1)
		}(h)
	}

	hb.WithDocMut(set("output", 2))
	wg.Wait()
	assert.Equal(t, int32(2), woke.Load())

	require.Eventually(t, func() bool {
		var equal bool
		ha.WithDoc(func(da *automerge.Doc) {
			hc.WithDoc(func(dc *automerge.Doc) { equal = slices.Equal(da.Heads(), dc.Heads()) })
		})
		return equal
	}, 2*time.Second, 10*time.Millisecond)
}

// TestClosedHandle verifies a closed handle can neither revive its document
// nor write to it.
func TestClosedHandle(t *testing.T) {
	closed := make(chan DocumentID, 2)
	r := New("a", WithOnClose(func(id DocumentID) { closed <- id }))
	defer r.Stop()

	h, err := r.NewDocument()
	require.NoError(t, err)
	h.WithDocMut(set("output", 1))
	h.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close notification not sent")
	}

	c := h.Clone()
	assert.Zero(t, h.references(), "clone of a closed handle reopened the count")
	assert.ErrorIs(t, <-c.Changed(), ErrHandleClosed)
	c.Close()
	assert.Zero(t, h.references())

	version := h.Version()
	ran := false
	assert.Equal(t, version, h.WithDocMut(func(*automerge.Doc) { ran = true }))
	assert.False(t, ran, "mutation ran on a closed handle")

	select {
	case <-closed:
		t.Fatal("document closed twice")
	case <-time.After(50 * time.Millisecond):
	}
}
