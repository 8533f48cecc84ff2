package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dreamware/bakery/internal/repo"
)

// ErrClosed is returned by operations on a closed Node.
var ErrClosed = errors.New("syncer: node closed")

// DefaultRetryInterval paces reconnect attempts to a peer.
const DefaultRetryInterval = 250 * time.Millisecond

// Receiver is the replication target fed by inbound frames. *repo.Repo
// satisfies it.
type Receiver interface {
	ReceiveSync(id repo.DocumentID, from string, msg []byte)
	PeerJoined(peer string)
	PeerLeft(peer string)
}

// Stats counts replication traffic.
type Stats struct {
	Sessions int
	Sent     int64
	Received int64
}

type counters struct {
	sent     atomic.Int64
	received atomic.Int64
}

// Node carries document replication between repos over gRPC streams. It
// implements repo.Network. A node may accept streams, dial peers, or both;
// every established stream is symmetric.
type Node struct {
	receiver Receiver
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	server   *grpc.Server
	retry    time.Duration

	mu       sync.Mutex
	sessions map[*session]struct{}
	peers    map[string][]*session // Send uses the first session per peer
	conns    []*grpc.ClientConn

	// peerMu orders PeerJoined and PeerLeft with the session set.
	peerMu sync.Mutex

	wg    sync.WaitGroup
	stats counters
	id    string
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithRetryInterval sets the pause between connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(n *Node) { n.retry = d }
}

// NewNode returns a node identifying itself to peers as id and delivering
// inbound frames to r.
func NewNode(id string, r Receiver, opts ...Option) *Node {
	n := &Node{
		id:       id,
		receiver: r,
		logger:   zap.NewNop(),
		retry:    DefaultRetryInterval,
		sessions: make(map[*session]struct{}),
		peers:    make(map[string][]*session),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("node", id))
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.server = grpc.NewServer()
	n.server.RegisterService(&serviceDesc, n)
	return n
}

// Serve accepts replication streams on lis until Close.
func (n *Node) Serve(lis net.Listener) error {
	n.logger.Info("accepting replication streams", zap.String("addr", lis.Addr().String()))
	err := n.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Sync is the server side of a replication stream.
func (n *Node) Sync(s grpc.ServerStream) error {
	var hello Frame
	if err := s.RecvMsg(&hello); err != nil {
		return err
	}
	if hello.Kind != KindHello || hello.From == "" {
		return fmt.Errorf("expected hello, got %q", hello.Kind)
	}
	if err := s.SendMsg(&Frame{Kind: KindHello, From: n.id}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.Context())
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	return n.attach(ctx, newSession(n, hello.From, s))
}

// Dial connects to the peer at addr and returns once the first stream is
// established. Attempts repeat without limit at the retry interval until
// ctx is done. After that the connection is kept up in the background,
// reconnecting whenever the stream drops, until Close.
func (n *Node) Dial(ctx context.Context, addr string) error {
	bo := backoff.DefaultConfig
	bo.BaseDelay = n.retry
	bo.MaxDelay = 4 * n.retry
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: bo, MinConnectTimeout: time.Second}),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	n.conns = append(n.conns, conn)
	n.wg.Add(1)
	n.mu.Unlock()

	established := make(chan struct{})
	go func() {
		defer n.wg.Done()
		n.maintain(conn, addr, established)
	}()

	select {
	case <-established:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrClosed
	}
}

// maintain keeps one stream to addr open until the node closes.
func (n *Node) maintain(conn *grpc.ClientConn, addr string, established chan struct{}) {
	logger := n.logger.With(zap.String("addr", addr))
	limiter := rate.NewLimiter(rate.Every(n.retry), 1)
	first := true

	for {
		if err := limiter.Wait(n.ctx); err != nil {
			return
		}
		ctx, cancel := context.WithCancel(n.ctx)
		s, err := n.open(ctx, conn)
		if err != nil {
			cancel()
			logger.Debug("connect failed", zap.Error(err))
			continue
		}
		if first {
			close(established)
			first = false
		}
		err = n.attach(ctx, s)
		cancel()
		if n.ctx.Err() != nil {
			return
		}
		logger.Warn("replication stream lost", zap.Error(err))
	}
}

func (n *Node) open(ctx context.Context, conn *grpc.ClientConn) (*session, error) {
	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], syncMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&Frame{Kind: KindHello, From: n.id}); err != nil {
		return nil, err
	}
	var hello Frame
	if err := cs.RecvMsg(&hello); err != nil {
		return nil, err
	}
	if hello.Kind != KindHello || hello.From == "" {
		return nil, fmt.Errorf("expected hello, got %q", hello.Kind)
	}
	return newSession(n, hello.From, cs), nil
}

// attach registers s, announces the peer if it is new and runs the
// session until it ends.
func (n *Node) attach(ctx context.Context, s *session) error {
	n.peerMu.Lock()
	n.mu.Lock()
	n.sessions[s] = struct{}{}
	n.peers[s.peer] = append(n.peers[s.peer], s)
	first := len(n.peers[s.peer]) == 1
	n.mu.Unlock()
	if first {
		n.receiver.PeerJoined(s.peer)
	}
	n.peerMu.Unlock()
	defer n.detach(s)

	s.logger.Info("replication stream established")
	return s.run(ctx)
}

func (n *Node) detach(s *session) {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	n.mu.Lock()
	delete(n.sessions, s)
	list := n.peers[s.peer]
	primary := len(list) > 0 && list[0] == s
	list = slices.DeleteFunc(list, func(o *session) bool { return o == s })
	if len(list) == 0 {
		delete(n.peers, s.peer)
	} else {
		n.peers[s.peer] = list
	}
	n.mu.Unlock()

	switch {
	case len(list) == 0:
		n.receiver.PeerLeft(s.peer)
	case primary:
		// Messages queued on s are gone; restart the exchange on the next stream.
		n.receiver.PeerJoined(s.peer)
	}
}

// Send queues a sync message for peer. Messages to a peer travel on one
// stream, so they arrive in order. Send never blocks on the network.
func (n *Node) Send(peer string, id repo.DocumentID, msg []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if list := n.peers[peer]; len(list) > 0 {
		list[0].enqueue(id, msg)
	}
}

// Peers returns the ids of connected peers.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]string, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Stats returns traffic counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	sessions := len(n.sessions)
	n.mu.Unlock()
	return Stats{
		Sessions: sessions,
		Sent:     n.stats.sent.Load(),
		Received: n.stats.received.Load(),
	}
}

// Close tears down every stream and connection. It is safe to call more
// than once.
func (n *Node) Close() error {
	n.mu.Lock()
	n.cancel()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()

	n.server.Stop()
	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	n.wg.Wait()
	return errors.Join(errs...)
}

var _ repo.Network = (*Node)(nil)
