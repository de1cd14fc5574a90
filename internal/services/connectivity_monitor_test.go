package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/clock"
)

type transitionRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *transitionRecorder) record(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, online)
}

func (r *transitionRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestConnectivityMonitor_Transitions(t *testing.T) {
	backend := newFakeBackend()
	_, store := startBackend(t, backend)
	monitor := NewConnectivityMonitor(NewBackendClient(store, nil), store, clock.NewFake(testStart), nil)

	rec := &transitionRecorder{}
	unsubscribe := monitor.Subscribe(rec.record)

	assert.False(t, monitor.IsOnline(), "starts offline")

	assert.True(t, monitor.CheckNow(context.Background()))
	monitor.ReportOnline()
	monitor.ReportOffline()
	monitor.ReportOffline()

	assert.Equal(t, []bool{true, false}, rec.get(), "only real transitions are published")

	unsubscribe()
	monitor.ReportOnline()
	assert.Len(t, rec.get(), 2)
	assert.True(t, monitor.IsOnline())
}

func TestConnectivityMonitor_Probing(t *testing.T) {
	backend := newFakeBackend()
	_, store := startBackend(t, backend)
	clk := clock.NewFake(testStart)
	monitor := NewConnectivityMonitor(NewBackendClient(store, nil), store, clk, nil)

	monitor.Start(context.Background())
	t.Cleanup(monitor.Stop)

	require.Eventually(t, func() bool {
		return monitor.IsOnline() && clk.Pending() == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.mu.Lock()
	backend.healthy = false
	backend.mu.Unlock()

	clk.Advance(store.Get().Sync.Probe())
	assert.False(t, monitor.IsOnline())
	assert.Equal(t, 1, clk.Pending(), "probe is rescheduled")

	monitor.Stop()
	assert.Zero(t, clk.Pending())
}
