package bakery

import (
	"context"
	"errors"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/dreamware/bakery/internal/repo"
)

// Acknowledger republishes what a participant observes: it copies the true
// ticket vector into the participant's views and the current counter into
// its output_seen entry whenever either falls behind. Every barrier in the
// protocol clears only because peers run one of these.
type Acknowledger struct {
	handle *repo.DocHandle
	id     string
	settings
}

// NewAcknowledger returns an acknowledger publishing as participant id.
func NewAcknowledger(h *repo.DocHandle, id string, opts ...Option) *Acknowledger {
	s := newSettings(opts)
	s.logger = s.logger.With(zap.String("participant", id))
	return &Acknowledger{handle: h, id: id, settings: s}
}

// Run acknowledges changes until the repo stops or ctx is done. Shutdown
// returns nil; a malformed document returns an ErrInvariantViolation.
func (a *Acknowledger) Run(ctx context.Context) error {
	for {
		var (
			stale bool
			err   error
		)
		version := a.handle.WithDoc(func(doc *automerge.Doc) {
			var b Bakery
			if b, err = Hydrate(doc); err != nil {
				return
			}
			stale, err = a.stale(&b)
		})
		if err != nil {
			return err
		}

		if stale {
			var output uint64
			err = update(a.handle, func(b *Bakery) error {
				cust, err := b.Customer(a.id)
				if err != nil {
					return err
				}
				cust.ViewsOfOthers = b.Tickets()
				b.Customers[a.id] = cust
				b.OutputSeen[a.id] = b.Output
				output = b.Output
				return nil
			})
			if err != nil {
				return err
			}
			a.observer.Acknowledged(a.id, output)
		}

		select {
		case err := <-a.handle.ChangedSince(version):
			if IsShutdown(err) {
				a.logger.Debug("acknowledger stopping", zap.Error(err))
				return nil
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}

// stale reports whether our published views or output acknowledgment lag
// behind the document.
func (a *Acknowledger) stale(b *Bakery) (bool, error) {
	ours, err := b.Customer(a.id)
	if err != nil {
		return false, err
	}
	seen, err := b.Seen(a.id)
	if err != nil {
		return false, err
	}
	return seen != b.Output || !maps.Equal(ours.ViewsOfOthers, b.Tickets()), nil
}
