package bakery

import (
	"errors"
	"fmt"
	"math"

	"github.com/automerge/automerge-go"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bakery/internal/repo"
)

// Sentinel is the ticket every participant holds when the session starts.
// It keeps entry closed until each participant has published a real ticket
// or reset to 0.
const Sentinel uint64 = math.MaxUint64

// ErrInvariantViolation reports a document that lacks a field the
// protocol requires for a configured participant. It is not recoverable.
var ErrInvariantViolation = errors.New("bakery: malformed document")

// Document layout:
//
//	customers:
//	  <id>:
//	    ticket: uint
//	    views:
//	      <other>: uint
//	output: uint
//	output_seen:
//	  <id>: uint
const (
	customersKey  = "customers"
	ticketKey     = "ticket"
	viewsKey      = "views"
	outputKey     = "output"
	outputSeenKey = "output_seen"
)

// Customer is one participant's published state.
type Customer struct {
	ViewsOfOthers map[string]uint64 `json:"views_of_others"`
	Ticket        uint64            `json:"ticket"`
}

// ViewOf returns what this customer believes id's ticket to be.
func (c Customer) ViewOf(id string) (uint64, error) {
	v, ok := c.ViewsOfOthers[id]
	if !ok {
		return 0, fmt.Errorf("%w: no view of %q", ErrInvariantViolation, id)
	}
	return v, nil
}

// Bakery is the whole content of a coordination document.
type Bakery struct {
	Customers  map[string]Customer `json:"customers"`
	OutputSeen map[string]uint64   `json:"output_seen"`
	Output     uint64              `json:"output"`
}

// NewBakery returns the initial aggregate for the given participants: every
// ticket and every view at Sentinel, the counter at 0 and acknowledged by
// everyone.
func NewBakery(ids []string) Bakery {
	b := Bakery{
		Customers:  make(map[string]Customer, len(ids)),
		OutputSeen: make(map[string]uint64, len(ids)),
	}
	for _, id := range ids {
		views := make(map[string]uint64, len(ids))
		for _, other := range ids {
			views[other] = Sentinel
		}
		b.Customers[id] = Customer{Ticket: Sentinel, ViewsOfOthers: views}
		b.OutputSeen[id] = 0
	}
	return b
}

// IDs returns the participant ids in sorted order.
func (b *Bakery) IDs() []string {
	ids := make([]string, 0, len(b.Customers))
	for id := range b.Customers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Customer returns the record for id.
func (b *Bakery) Customer(id string) (Customer, error) {
	c, ok := b.Customers[id]
	if !ok {
		return Customer{}, fmt.Errorf("%w: no customer %q", ErrInvariantViolation, id)
	}
	return c, nil
}

// Seen returns the counter value id has acknowledged.
func (b *Bakery) Seen(id string) (uint64, error) {
	v, ok := b.OutputSeen[id]
	if !ok {
		return 0, fmt.Errorf("%w: no output acknowledgment for %q", ErrInvariantViolation, id)
	}
	return v, nil
}

// Tickets returns the current ticket of every participant.
func (b *Bakery) Tickets() map[string]uint64 {
	out := make(map[string]uint64, len(b.Customers))
	for id, c := range b.Customers {
		out[id] = c.Ticket
	}
	return out
}

// Hydrate reads the aggregate out of a document.
func Hydrate(doc *automerge.Doc) (Bakery, error) {
	output, err := uintAt(doc, outputKey)
	if err != nil {
		return Bakery{}, err
	}
	ids, err := keysAt(doc, customersKey)
	if err != nil {
		return Bakery{}, err
	}
	b := Bakery{
		Customers:  make(map[string]Customer, len(ids)),
		OutputSeen: make(map[string]uint64, len(ids)),
		Output:     output,
	}

	for _, id := range ids {
		ticket, err := uintAt(doc, customersKey, id, ticketKey)
		if err != nil {
			return Bakery{}, err
		}
		others, err := keysAt(doc, customersKey, id, viewsKey)
		if err != nil {
			return Bakery{}, err
		}
		views := make(map[string]uint64, len(others))
		for _, other := range others {
			if views[other], err = uintAt(doc, customersKey, id, viewsKey, other); err != nil {
				return Bakery{}, err
			}
		}
		b.Customers[id] = Customer{Ticket: ticket, ViewsOfOthers: views}
	}

	seen, err := keysAt(doc, outputSeenKey)
	if err != nil {
		return Bakery{}, err
	}
	for _, id := range seen {
		if b.OutputSeen[id], err = uintAt(doc, outputSeenKey, id); err != nil {
			return Bakery{}, err
		}
	}
	return b, nil
}

// Reconcile writes every field of b that differs from the document and
// returns how many fields it wrote. Unchanged fields are left alone, so
// concurrent writers only ever touch the fields they changed and a
// reconcile of an unchanged aggregate commits nothing.
func Reconcile(doc *automerge.Doc, b *Bakery) (int, error) {
	w := writer{doc: doc}
	w.set(b.Output, outputKey)
	for id, c := range b.Customers {
		w.set(c.Ticket, customersKey, id, ticketKey)
		for other, v := range c.ViewsOfOthers {
			w.set(v, customersKey, id, viewsKey, other)
		}
	}
	for id, v := range b.OutputSeen {
		w.set(v, outputSeenKey, id)
	}
	return w.written, w.err
}

type writer struct {
	doc     *automerge.Doc
	err     error
	written int
}

func (w *writer) set(value uint64, path ...any) {
	if w.err != nil {
		return
	}
	if cur, err := uintAt(w.doc, path...); err == nil && cur == value {
		return
	}
	if err := w.doc.Path(path...).Set(value); err != nil {
		w.err = fmt.Errorf("set %v: %w", path, err)
		return
	}
	w.written++
}

// uintAt reads the unsigned integer stored at path.
func uintAt(doc *automerge.Doc, path ...any) (uint64, error) {
	v, err := doc.Path(path...).Get()
	if err != nil {
		return 0, fmt.Errorf("%w: read %v: %v", ErrInvariantViolation, path, err)
	}
	if v.Kind() != automerge.KindUint64 {
		return 0, fmt.Errorf("%w: %v holds %v, not an unsigned integer", ErrInvariantViolation, path, v.Kind())
	}
	return v.Uint64(), nil
}

// keysAt lists the keys of the map stored at path.
func keysAt(doc *automerge.Doc, path ...any) ([]string, error) {
	v, err := doc.Path(path...).Get()
	if err != nil {
		return nil, fmt.Errorf("%w: read %v: %v", ErrInvariantViolation, path, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: %v holds %v, not a map", ErrInvariantViolation, path, v.Kind())
	}
	keys, err := v.Map().Keys()
	if err != nil {
		return nil, fmt.Errorf("%w: keys of %v: %v", ErrInvariantViolation, path, err)
	}
	return keys, nil
}

// Seed writes the initial aggregate for ids into a freshly created document.
func Seed(h *repo.DocHandle, ids []string) error {
	b := NewBakery(ids)
	var err error
	h.WithDocMut(func(doc *automerge.Doc) { _, err = Reconcile(doc, &b) })
	return err
}

// Snapshot hydrates the aggregate from the handle's current state.
func Snapshot(h *repo.DocHandle) (Bakery, error) {
	var (
		b   Bakery
		err error
	)
	h.WithDoc(func(doc *automerge.Doc) { b, err = Hydrate(doc) })
	return b, err
}

// update hydrates, applies f and reconciles within one mutation. Nothing
// is written when f fails.
func update(h *repo.DocHandle, f func(b *Bakery) error) error {
	var err error
	h.WithDocMut(func(doc *automerge.Doc) {
		var b Bakery
		if b, err = Hydrate(doc); err != nil {
			return
		}
		if err = f(&b); err != nil {
			return
		}
		_, err = Reconcile(doc, &b)
	})
	return err
}

// IsShutdown reports whether err means the replication layer is going away,
// which every protocol loop treats as a clean stop.
func IsShutdown(err error) bool {
	return errors.Is(err, repo.ErrShutdown) || errors.Is(err, repo.ErrHandleClosed)
}
