package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records bakery protocol transitions. It satisfies the bakery
// Observer interface.
type Metrics struct {
	tickets    metric.Int64Counter
	entries    metric.Int64Counter
	increments metric.Int64Counter
	exits      metric.Int64Counter
	acks       metric.Int64Counter
	output     metric.Int64Gauge
	ticket     metric.Int64Gauge
	waits      metric.Float64Histogram
	unhealthy  metric.Int64UpDownCounter
	meter      metric.Meter
}

// NewMetrics creates the protocol instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err, e error

	m.tickets, e = meter.Int64Counter("bakery.tickets", metric.WithDescription("Tickets taken."))
	err = errors.Join(err, e)
	m.entries, e = meter.Int64Counter("bakery.entries", metric.WithDescription("Critical section entries."))
	err = errors.Join(err, e)
	m.increments, e = meter.Int64Counter("bakery.increments", metric.WithDescription("Counter increments written."))
	err = errors.Join(err, e)
	m.exits, e = meter.Int64Counter("bakery.exits", metric.WithDescription("Completed releases."))
	err = errors.Join(err, e)
	m.acks, e = meter.Int64Counter("bakery.acknowledgments", metric.WithDescription("Acknowledgment writes published."))
	err = errors.Join(err, e)
	m.output, e = meter.Int64Gauge("bakery.output", metric.WithDescription("Last counter value written or acknowledged."))
	err = errors.Join(err, e)
	m.ticket, e = meter.Int64Gauge("bakery.ticket", metric.WithDescription("Last ticket taken."))
	err = errors.Join(err, e)
	m.waits, e = meter.Float64Histogram("bakery.wait",
		metric.WithDescription("Time spent blocked on peer acknowledgment."),
		metric.WithUnit("s"))
	err = errors.Join(err, e)
	m.unhealthy, e = meter.Int64UpDownCounter("bakery.peers.unhealthy",
		metric.WithDescription("Peers failing health checks; barriers involving them stall."))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return m, nil
}

func participant(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("participant", id))
}

func phase(id, name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("participant", id), attribute.String("phase", name))
}

func (m *Metrics) TicketAcquired(id string, ticket uint64) {
	ctx := context.Background()
	m.tickets.Add(ctx, 1, participant(id))
	m.ticket.Record(ctx, int64(ticket), participant(id))
}

func (m *Metrics) Entered(id string, _ uint64, waited time.Duration) {
	ctx := context.Background()
	m.entries.Add(ctx, 1, participant(id))
	m.waits.Record(ctx, waited.Seconds(), phase(id, "entry"))
}

func (m *Metrics) Incremented(id string, output uint64) {
	ctx := context.Background()
	m.increments.Add(ctx, 1, participant(id))
	m.output.Record(ctx, int64(output), participant(id))
}

func (m *Metrics) OutputAcknowledged(id string, _ uint64, waited time.Duration) {
	m.waits.Record(context.Background(), waited.Seconds(), phase(id, "output"))
}

func (m *Metrics) Exited(id string, waited time.Duration) {
	ctx := context.Background()
	m.exits.Add(ctx, 1, participant(id))
	m.waits.Record(ctx, waited.Seconds(), phase(id, "exit"))
}

func (m *Metrics) Acknowledged(id string, output uint64) {
	ctx := context.Background()
	m.acks.Add(ctx, 1, participant(id))
	m.output.Record(ctx, int64(output), participant(id))
}

// PeerUnhealthy counts a peer that stopped answering health checks.
func (m *Metrics) PeerUnhealthy(id string) {
	m.unhealthy.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", id)))
}

// PeerRecovered reverses PeerUnhealthy for a peer answering again.
func (m *Metrics) PeerRecovered(id string) {
	m.unhealthy.Add(context.Background(), -1, metric.WithAttributes(attribute.String("peer", id)))
}

// ReplicationStats reports stream sessions and frames sent and received.
type ReplicationStats func() (sessions, sent, received int64)

// StoreStats reports stored documents, bytes and saves.
type StoreStats func() (documents, bytes, saves int64)

// ObserveReplication exports replication traffic read from f at collection.
func (m *Metrics) ObserveReplication(f ReplicationStats) error {
	sessions, err := m.meter.Int64ObservableGauge("bakery.sync.sessions", metric.WithDescription("Open replication streams."))
	if err != nil {
		return err
	}
	frames, err := m.meter.Int64ObservableCounter("bakery.sync.frames", metric.WithDescription("Replication frames."))
	if err != nil {
		return err
	}
	sentAttr := metric.WithAttributes(attribute.String("direction", "sent"))
	recvAttr := metric.WithAttributes(attribute.String("direction", "received"))
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s, sent, received := f()
		o.ObserveInt64(sessions, s)
		o.ObserveInt64(frames, sent, sentAttr)
		o.ObserveInt64(frames, received, recvAttr)
		return nil
	}, sessions, frames)
	return err
}

// ObserveStore exports snapshot store usage read from f at collection.
func (m *Metrics) ObserveStore(f StoreStats) error {
	docs, err := m.meter.Int64ObservableGauge("bakery.store.documents", metric.WithDescription("Stored document snapshots."))
	if err != nil {
		return err
	}
	size, err := m.meter.Int64ObservableGauge("bakery.store.bytes", metric.WithDescription("Bytes held by snapshots."), metric.WithUnit("By"))
	if err != nil {
		return err
	}
	saves, err := m.meter.Int64ObservableCounter("bakery.store.saves", metric.WithDescription("Snapshot writes."))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		d, b, s := f()
		o.ObserveInt64(docs, d)
		o.ObserveInt64(size, b)
		o.ObserveInt64(saves, s)
		return nil
	}, docs, size, saves)
	return err
}
