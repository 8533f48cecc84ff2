package syncer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/bakery/internal/repo"
)

// stream is the part of a gRPC stream a session needs. Client and server
// streams both satisfy it.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// session is one established replication stream to a peer. Outbound sync
// messages are queued in order; the automerge sync protocol depends on
// every message reaching the peer.
type session struct {
	stream stream
	node   *Node
	logger *zap.Logger
	wake   chan struct{}

	mu    sync.Mutex
	queue []Frame

	peer string
}

func newSession(n *Node, peer string, s stream) *session {
	return &session{
		stream: s,
		node:   n,
		peer:   peer,
		logger: n.logger.With(zap.String("peer", peer)),
		wake:   make(chan struct{}, 1),
	}
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) enqueue(id repo.DocumentID, msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, Frame{Kind: KindSync, From: s.node.id, Doc: id, Sync: msg})
	s.mu.Unlock()
	s.signal()
}

// drain takes everything queued, oldest first.
func (s *session) drain() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	s.queue = nil
	return frames
}

// run pumps frames both ways until either direction fails or ctx is done.
// The read side ends once the caller tears the stream down.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		errs <- s.readLoop()
		cancel()
	}()

	err := s.writeLoop(ctx)
	select {
	case rerr := <-errs:
		return rerr
	default:
		return err
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
		for _, f := range s.drain() {
			if err := s.stream.SendMsg(&f); err != nil {
				return fmt.Errorf("send %s: %w", f.Kind, err)
			}
			s.node.stats.sent.Add(1)
		}
	}
}

func (s *session) readLoop() error {
	for {
		var f Frame
		if err := s.stream.RecvMsg(&f); err != nil {
			return err
		}
		s.node.stats.received.Add(1)

		switch f.Kind {
		case KindSync:
			s.node.receiver.ReceiveSync(f.Doc, s.peer, f.Sync)
		default:
			s.logger.Warn("unexpected frame", zap.String("kind", f.Kind))
		}
	}
}
