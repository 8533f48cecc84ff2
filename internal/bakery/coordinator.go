package bakery

import (
	"context"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/dreamware/bakery/internal/repo"
)

type settings struct {
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:   zap.NewNop(),
		observer: NopObserver{},
		tracer:   noop.NewTracerProvider().Tracer("bakery"),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a Coordinator or an Acknowledger.
type Option func(*settings)

// WithLogger sets the logger used for per-wakeup detail.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithObserver sets the hook notified at protocol transitions.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithTracer sets the tracer used for protocol phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// Coordinator runs the bakery protocol for one participant.
//
// Every wait blocks on the document's change notification and re-evaluates
// its condition from a fresh snapshot on each wakeup. A wait ends early
// with repo.ErrShutdown when the repo stops, or with ctx's error.
type Coordinator struct {
	handle *repo.DocHandle
	id     string
	settings

	// serializes cycles so one participant never runs two at once
	cycleMu sync.Mutex
}

// NewCoordinator returns a coordinator acting as participant id on the
// document behind h. Every participant in the session must also run an
// Acknowledger, or the coordinator's barriers never clear.
//
// Parameters:
//   - h: Handle to the seeded session document; the coordinator does not close it
//   - id: Participant id, one of the ids the document was seeded with
//   - opts: Logger, observer and tracer overrides
//
// Returns:
//   - *Coordinator: Ready to Join, then to run cycles
//
// Example:
//
//	coord := bakery.NewCoordinator(h, "2", bakery.WithLogger(logger))
//	if err := coord.Join(ctx); err != nil {
//		return err
//	}
//	output, err := coord.RunCycle(ctx)
func NewCoordinator(h *repo.DocHandle, id string, opts ...Option) *Coordinator {
	s := newSettings(opts)
	s.logger = s.logger.With(zap.String("participant", id))
	return &Coordinator{handle: h, id: id, settings: s}
}

// ID returns the participant id.
func (c *Coordinator) ID() string { return c.id }

// Join resets our ticket to 0 and waits until every peer has seen it. Run
// once at startup, it doubles as the barrier that holds a participant back
// until all peers are online.
func (c *Coordinator) Join(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	return c.Release(ctx)
}

// RunCycle acquires the critical section, increments the counter and
// releases, returning the counter value written.
func (c *Coordinator) RunCycle(ctx context.Context) (uint64, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if _, err := c.Acquire(ctx); err != nil {
		return 0, err
	}
	output, err := c.Increment(ctx)
	if err != nil {
		return output, err
	}
	return output, c.Release(ctx)
}

// Acquire picks a ticket higher than every ticket in the document, waits
// until every peer has acknowledged it, then waits for the entry condition.
// It returns the ticket once we are in the critical section.
func (c *Coordinator) Acquire(ctx context.Context) (uint64, error) {
	ctx, span := c.tracer.Start(ctx, "bakery.acquire", trace.WithAttributes(attribute.String("participant", c.id)))
	defer span.End()

	var ticket uint64
	err := update(c.handle, func(b *Bakery) error {
		cust, err := b.Customer(c.id)
		if err != nil {
			return err
		}
		ticket = pickTicket(b)
		cust.ViewsOfOthers = b.Tickets()
		cust.Ticket = ticket
		b.Customers[c.id] = cust
		return nil
	})
	if err != nil {
		return 0, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int64("ticket", int64(ticket)))
	c.observer.TicketAcquired(c.id, ticket)

	start := time.Now()
	err = c.waitUntil(ctx, "entry", func(b *Bakery) (bool, error) {
		acked, err := ticketAcked(b, c.id, ticket)
		if err != nil || !acked {
			return false, err
		}
		return mayEnter(b, c.id, ticket), nil
	})
	if err != nil {
		return ticket, failSpan(span, err)
	}
	c.observer.Entered(c.id, ticket, time.Since(start))
	return ticket, nil
}

// Increment adds one to the counter, records that we have seen the new
// value, and waits until every participant has acknowledged it. It must
// only be called inside the critical section.
func (c *Coordinator) Increment(ctx context.Context) (uint64, error) {
	ctx, span := c.tracer.Start(ctx, "bakery.increment", trace.WithAttributes(attribute.String("participant", c.id)))
	defer span.End()

	var output uint64
	err := update(c.handle, func(b *Bakery) error {
		if _, err := b.Seen(c.id); err != nil {
			return err
		}
		b.Output++
		b.OutputSeen[c.id] = b.Output
		output = b.Output
		return nil
	})
	if err != nil {
		return 0, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int64("output", int64(output)))
	c.observer.Incremented(c.id, output)

	start := time.Now()
	err = c.waitUntil(ctx, "output", func(b *Bakery) (bool, error) {
		return outputAcked(b, output)
	})
	if err != nil {
		return output, failSpan(span, err)
	}
	c.observer.OutputAcknowledged(c.id, output, time.Since(start))
	return output, nil
}

// Release sets our ticket back to 0 and waits until no peer models us as
// contending.
func (c *Coordinator) Release(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "bakery.release", trace.WithAttributes(attribute.String("participant", c.id)))
	defer span.End()

	err := update(c.handle, func(b *Bakery) error {
		cust, err := b.Customer(c.id)
		if err != nil {
			return err
		}
		cust.Ticket = 0
		b.Customers[c.id] = cust
		return nil
	})
	if err != nil {
		return failSpan(span, err)
	}

	start := time.Now()
	err = c.waitUntil(ctx, "exit", func(b *Bakery) (bool, error) {
		return releaseAcked(b, c.id)
	})
	if err != nil {
		return failSpan(span, err)
	}
	c.observer.Exited(c.id, time.Since(start))
	return nil
}

func (c *Coordinator) waitUntil(ctx context.Context, phase string, cond func(b *Bakery) (bool, error)) error {
	wakeups := 0
	err := waitUntil(ctx, c.handle, func(b *Bakery) (bool, error) {
		wakeups++
		return cond(b)
	})
	c.logger.Debug("wait finished", zap.String("phase", phase), zap.Int("evaluations", wakeups), zap.Error(err))
	return err
}

// waitUntil evaluates cond against the latest snapshot until it holds,
// blocking on the document's change notification in between.
func waitUntil(ctx context.Context, h *repo.DocHandle, cond func(b *Bakery) (bool, error)) error {
	for {
		var (
			done bool
			err  error
		)
		version := h.WithDoc(func(doc *automerge.Doc) {
			var b Bakery
			if b, err = Hydrate(doc); err != nil {
				return
			}
			done, err = cond(&b)
		})
		if err != nil || done {
			return err
		}

		select {
		case err := <-h.ChangedSince(version):
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func failSpan(span trace.Span, err error) error {
	if !IsShutdown(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
