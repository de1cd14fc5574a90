package services

import (
	"context"
	"sync"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/observability"
)

// Prober checks whether the backend can be reached
type Prober interface {
	Probe(ctx context.Context) error
}

// ConnectivityMonitor tracks whether the backend is reachable. It starts
// offline and learns the real state from probes and from reports by the
// components that talk to the backend.
type ConnectivityMonitor struct {
	prober  Prober
	store   *config.Store
	clock   clock.Clock
	metrics *observability.SyncMetrics
	log     *observability.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]func(online bool)
	nextID    int
	running   bool
	timer     clock.Timer
	ctx       context.Context
}

// NewConnectivityMonitor creates a new ConnectivityMonitor
func NewConnectivityMonitor(prober Prober, store *config.Store, clk clock.Clock, metrics *observability.SyncMetrics) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		prober:    prober,
		store:     store,
		clock:     clk,
		metrics:   metrics,
		log:       observability.GetLogger().WithField("component", "connectivity"),
		listeners: make(map[int]func(bool)),
		ctx:       context.Background(),
	}
}

// IsOnline returns the current state
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for online/offline transitions. Listeners run on
// the goroutine that observed the transition and must not block.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// ReportOnline records evidence that the backend answered
func (m *ConnectivityMonitor) ReportOnline() {
	m.set(true)
}

// ReportOffline records evidence that the backend could not be reached
func (m *ConnectivityMonitor) ReportOffline() {
	m.set(false)
}

// Start probes immediately and then every probeInterval until Stop
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.log.Info("Connectivity monitor started")
	go m.tick()
}

// Stop cancels the probe schedule
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// CheckNow probes the backend once and returns the resulting state
func (m *ConnectivityMonitor) CheckNow(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	if err != nil {
		m.log.WithContext(ctx).Debugf("Health probe failed: %v", err)
	}
	m.set(err == nil)
	return err == nil
}

func (m *ConnectivityMonitor) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.CheckNow(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.timer = m.clock.AfterFunc(m.store.Get().Sync.Probe(), m.tick)
}

func (m *ConnectivityMonitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info("Backend reachable, going online")
	} else {
		m.log.Warn("Backend unreachable, going offline")
	}
	m.metrics.RecordConnectivity(context.Background(), online)

	for _, fn := range listeners {
		fn(online)
	}
}
