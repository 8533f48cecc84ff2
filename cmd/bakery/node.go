package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/bakery/internal/bakery"
	"github.com/dreamware/bakery/internal/cluster"
	"github.com/dreamware/bakery/internal/config"
	"github.com/dreamware/bakery/internal/driver"
	"github.com/dreamware/bakery/internal/logger"
	"github.com/dreamware/bakery/internal/repo"
	"github.com/dreamware/bakery/internal/server"
	"github.com/dreamware/bakery/internal/storage"
	"github.com/dreamware/bakery/internal/syncer"
	"github.com/dreamware/bakery/internal/telemetry"
)

// docIDRetry paces document id requests while the source is unreachable.
const docIDRetry = 400 * time.Millisecond

// listeners reports the addresses a running node is bound to.
type listeners struct {
	HTTP string
	Sync string
}

// run starts a participant and blocks until ctx is done or a component
// fails. ready, if set, is called once both listeners are bound.
func run(ctx context.Context, cfg config.Config, ready func(listeners)) error {
	log, err := logger.New(cfg.Log, cfg.ID)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	members, err := cfg.Membership()
	if err != nil {
		return err
	}

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return err
	}

	store := storage.NewMemoryStore()
	r := repo.New(cfg.ID,
		repo.WithLogger(log),
		repo.WithStore(store),
		repo.WithOnClose(func(id repo.DocumentID) { log.Info("document closed", zap.Stringer("doc", id)) }),
	)
	defer r.Stop()

	node := syncer.NewNode(cfg.ID, r, syncer.WithLogger(log))
	defer node.Close()
	r.SetNetwork(node)

	if err := metrics.ObserveReplication(func() (int64, int64, int64) {
		st := node.Stats()
		return int64(st.Sessions), st.Sent, st.Received
	}); err != nil {
		return err
	}
	if err := metrics.ObserveStore(func() (int64, int64, int64) {
		st := store.Stats()
		return int64(st.Documents), int64(st.Bytes), int64(st.Saves)
	}); err != nil {
		return err
	}

	errs := make(chan error, 4)
	var bound listeners

	if cfg.SyncListen != "" {
		lis, err := net.Listen("tcp", cfg.SyncListen)
		if err != nil {
			return fmt.Errorf("sync listen: %w", err)
		}
		bound.Sync = lis.Addr().String()
		go func() {
			if err := node.Serve(lis); err != nil {
				errs <- fmt.Errorf("sync serve: %w", err)
			}
		}()
	}

	h, err := openDocument(ctx, cfg, members, r, node, log)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer h.Close()
	log.Info("document ready", zap.Stringer("doc", h.DocumentID()), zap.Bool("created", cfg.Creates()))

	observer := bakery.Observers(bakery.LogObserver(log), metrics)
	coord := bakery.NewCoordinator(h, cfg.ID,
		bakery.WithLogger(log),
		bakery.WithObserver(observer),
		bakery.WithTracer(tel.Tracer),
	)
	ackHandle := h.Clone()
	ack := bakery.NewAcknowledger(ackHandle, cfg.ID, bakery.WithLogger(log), bakery.WithObserver(observer))
	go func() {
		defer ackHandle.Close()
		if err := ack.Run(ctx); err != nil {
			errs <- fmt.Errorf("acknowledger: %w", err)
		}
	}()

	var drv *driver.Driver
	if cfg.Driver {
		drv = driver.New(coord, cluster.NewClient(0), members.Others(cfg.ID),
			driver.WithLogger(log),
			driver.WithDelay(cfg.TriggerDelay),
			driver.WithTimeout(cfg.TriggerTimeout),
			driver.WithDone(r.Done()),
		)
	}

	var health *cluster.HealthMonitor
	if peers := members.Others(cfg.ID); cfg.HealthInterval > 0 && len(peers) > 0 {
		health = cluster.NewHealthMonitor(cfg.HealthInterval, log)
		health.SetOnUnhealthy(metrics.PeerUnhealthy)
		health.SetOnRecovered(metrics.PeerRecovered)
		health.Start(ctx, peers)
		defer health.Stop()
	}

	fatal := make(chan error, 1)
	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(tel.Handler()),
		server.WithFatal(func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}),
	}
	if drv != nil {
		opts = append(opts, server.WithDriver(drv))
	}
	if health != nil {
		opts = append(opts, server.WithPeerHealth(health))
	}
	lis, err := net.Listen("tcp", cfg.HTTPListen)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	bound.HTTP = lis.Addr().String()
	httpServer := &http.Server{
		Handler:           server.New(cfg.ID, h, coord, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving http", zap.String("addr", bound.HTTP))
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	if drv != nil {
		go func() {
			if err := drv.Run(ctx); err != nil {
				errs <- fmt.Errorf("driver: %w", err)
			}
		}()
	} else {
		go func() {
			if err := coord.Join(ctx); err != nil && !bakery.IsShutdown(err) && ctx.Err() == nil {
				errs <- fmt.Errorf("join: %w", err)
			}
		}()
	}

	if ready != nil {
		ready(bound)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		err = nil
	case err = <-fatal:
		log.Error("fatal protocol error", zap.Error(err))
	case err = <-errs:
		log.Error("component failed", zap.Error(err))
	}

	// Stopping the repo first unblocks every protocol wait, including
	// in-flight /increment handlers.
	r.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	return err
}

// openDocument creates and seeds the session document, or dials the sync
// peer and fetches the document named by the doc source. Both network steps
// retry until ctx is done.
func openDocument(ctx context.Context, cfg config.Config, members cluster.Membership, r *repo.Repo, node *syncer.Node, log *zap.Logger) (*repo.DocHandle, error) {
	if cfg.Creates() {
		h, err := r.NewDocument()
		if err != nil {
			return nil, err
		}
		if err := bakery.Seed(h, members.IDs()); err != nil {
			h.Close()
			return nil, fmt.Errorf("seed document: %w", err)
		}
		return h, nil
	}

	log.Info("connecting to sync peer", zap.String("addr", cfg.SyncPeer))
	if err := node.Dial(ctx, cfg.SyncPeer); err != nil {
		return nil, fmt.Errorf("dial sync peer: %w", err)
	}

	client := cluster.NewClient(5 * time.Second)
	limiter := rate.NewLimiter(rate.Every(docIDRetry), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		id, err := client.DocumentID(ctx, cfg.DocSource)
		if err != nil {
			log.Warn("document id unavailable", zap.String("source", cfg.DocSource), zap.Error(err))
			continue
		}
		h, err := r.RequestDocument(ctx, repo.DocumentID(id))
		if err != nil {
			return nil, fmt.Errorf("fetch document %s: %w", id, err)
		}
		return h, nil
	}
}
