// Package driver exercises the bakery protocol across a session: after the
// startup barrier it asks each peer in turn to run a full cycle and checks
// that the counter values it gets back strictly increase.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/bakery/internal/bakery"
	"github.com/dreamware/bakery/internal/cluster"
)

// ErrNotMonotonic reports a counter value that did not exceed the previous
// one. It means mutual exclusion was broken somewhere in the session.
var ErrNotMonotonic = errors.New("counter did not increase")

// Joiner runs the startup barrier. *bakery.Coordinator satisfies it.
type Joiner interface {
	Join(ctx context.Context) error
}

// Trigger asks the participant at addr to run one cycle and returns the
// counter value written. *cluster.Client satisfies it.
type Trigger interface {
	Increment(ctx context.Context, addr string) (uint64, error)
}

// Driver triggers peers in a fixed rotation.
type Driver struct {
	joiner  Joiner
	trigger Trigger
	logger  *zap.Logger
	done    <-chan struct{}
	peers   []cluster.Member
	delay   time.Duration
	timeout time.Duration
	last    atomic.Uint64
	cycles  atomic.Uint64
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithDelay sets the pause before each trigger.
func WithDelay(delay time.Duration) Option {
	return func(d *Driver) { d.delay = delay }
}

// WithTimeout bounds each trigger. Zero waits for as long as the cycle
// takes.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// WithDone stops the driver when done is closed, typically the repo's
// Done channel.
func WithDone(done <-chan struct{}) Option {
	return func(d *Driver) { d.done = done }
}

// New returns a driver that rotates over peers.
func New(j Joiner, t Trigger, peers []cluster.Member, opts ...Option) *Driver {
	d := &Driver{
		joiner:  j,
		trigger: t,
		peers:   peers,
		logger:  zap.NewNop(),
		delay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Last returns the most recent counter value a peer reported.
func (d *Driver) Last() uint64 { return d.last.Load() }

// Cycles returns how many triggered cycles completed.
func (d *Driver) Cycles() uint64 { return d.cycles.Load() }

// Run joins the session and then triggers peers until ctx is done or the
// repo stops, both of which return nil. A failed trigger is logged and the
// rotation moves on; a non-increasing counter returns ErrNotMonotonic.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.joiner.Join(ctx); err != nil {
		if bakery.IsShutdown(err) || d.stopping(ctx) {
			return nil
		}
		return fmt.Errorf("join: %w", err)
	}
	d.logger.Info("startup barrier cleared", zap.Int("peers", len(d.peers)))

	if len(d.peers) == 0 {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		return nil
	}

	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	for i := 0; ; i = (i + 1) % len(d.peers) {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		}

		peer := d.peers[i]
		output, err := d.triggerOne(ctx, peer)
		timer.Reset(d.delay)
		if err != nil {
			if d.stopping(ctx) {
				return nil
			}
			d.logger.Warn("trigger failed", zap.String("peer", peer.ID), zap.Error(err))
			continue
		}

		last := d.last.Load()
		if output <= last {
			return fmt.Errorf("%w: peer %s returned %d after %d", ErrNotMonotonic, peer.ID, output, last)
		}
		d.last.Store(output)
		d.cycles.Add(1)
		d.logger.Info("peer cycle completed", zap.String("peer", peer.ID), zap.Uint64("output", output))
	}
}

func (d *Driver) triggerOne(ctx context.Context, peer cluster.Member) (uint64, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.trigger.Increment(ctx, peer.Addr)
}

func (d *Driver) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
