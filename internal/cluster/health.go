package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Peer health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth is the last known health of one peer.
type PeerHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor polls the /health endpoint of each peer. It only reports:
// the bakery protocol has no way to exclude a peer, so an unhealthy peer
// means every barrier waiting on it is stalled until it comes back.
type HealthMonitor struct {
	peers       map[string]*PeerHealth
	client      *Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(id string)
	onRecovered func(id string)
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor returns a monitor that checks every interval and marks a
// peer unhealthy after three consecutive failures.
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		peers:       make(map[string]*PeerHealth),
		client:      NewClient(2 * time.Second),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback for a peer turning unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(f func(id string)) { h.onUnhealthy = f }

// SetOnRecovered sets the callback for an unhealthy peer answering again.
func (h *HealthMonitor) SetOnRecovered(f func(id string)) { h.onRecovered = f }

// SetCheckFunction replaces the HTTP check.
func (h *HealthMonitor) SetCheckFunction(f func(ctx context.Context, addr string) error) {
	h.checkFunc = f
}

// Start launches the check loop and returns. Peers are checked immediately
// and then every interval until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, peers []Member) {
	h.wg.Add(1)
	go h.loop(ctx, peers)
}

func (h *HealthMonitor) loop(ctx context.Context, peers []Member) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug("health monitor started", zap.Duration("interval", h.interval), zap.Int("peers", len(peers)))
	h.checkAll(ctx, peers)
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, peers)
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends the check loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context, peers []Member) {
	for _, p := range peers {
		h.check(ctx, p)
	}
}

func (h *HealthMonitor) check(ctx context.Context, peer Member) {
	h.mu.Lock()
	health, ok := h.peers[peer.ID]
	if !ok {
		now := time.Now()
		health = &PeerHealth{ID: peer.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.peers[peer.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, peer.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("health check failed",
			zap.String("peer", peer.ID), zap.Int("attempt", health.ConsecutiveFails), zap.Error(err))
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn("peer unresponsive; protocol barriers involving it will stall",
				zap.String("peer", peer.ID), zap.Int("failures", health.ConsecutiveFails))
			if h.onUnhealthy != nil {
				go h.onUnhealthy(peer.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info("peer recovered", zap.String("peer", peer.ID))
		if h.onRecovered != nil {
			go h.onRecovered(peer.ID)
		}
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	return h.client.GetJSON(ctx, endpoint(addr, "/health"), nil)
}

// Peer returns a copy of the health of id, or nil if it has not been
// checked yet.
func (h *HealthMonitor) Peer(id string) *PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.peers[id]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// All returns a copy of every peer's health keyed by id.
func (h *HealthMonitor) All() map[string]PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]PeerHealth, len(h.peers))
	for id, health := range h.peers {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether id passed its last check.
func (h *HealthMonitor) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.peers[id]
	return ok && health.Status == StatusHealthy
}
