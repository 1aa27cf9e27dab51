// Package bustest runs an in-memory bus hub for tests.
package bustest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
)

var hubSeq atomic.Uint64

// Hub is a running in-memory hub plus the network replicas attach to
type Hub struct {
	Network        *bus.MemoryNetwork
	CollectAddr    string
	DistributeAddr string

	hub    *bus.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHub starts a hub on a fresh memory network and stops it when t ends
func StartHub(t testing.TB) *Hub {
	t.Helper()
	return StartHubOn(t, bus.NewMemoryNetwork())
}

// StartHubOn starts a hub on an existing memory network
func StartHubOn(t testing.TB, network *bus.MemoryNetwork) *Hub {
	t.Helper()
	n := hubSeq.Add(1)
	h := &Hub{
		Network:        network,
		CollectAddr:    fmt.Sprintf("mem://hub-%d/collect", n),
		DistributeAddr: fmt.Sprintf("mem://hub-%d/distribute", n),
	}
	h.start(t)
	t.Cleanup(h.Stop)
	return h
}

func (h *Hub) start(t testing.TB) {
	t.Helper()
	cfg := bus.HubConfig{
		CollectAddr:      h.CollectAddr,
		DistributeAddr:   h.DistributeAddr,
		RecvPollInterval: 10 * time.Millisecond,
	}
	hub, err := bus.NewHub(cfg, h.Network.Transport(), nil, nil)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	if err := hub.Listen(); err != nil {
		t.Fatalf("hub Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.hub, h.cancel, h.done = hub, cancel, make(chan struct{})
	go func() {
		defer close(h.done)
		_ = hub.Run(ctx)
	}()
}

// Stop shuts the hub down. Connected replicas see their links drop.
func (h *Hub) Stop() {
	if h.hub == nil {
		return
	}
	h.cancel()
	_ = h.hub.Close()
	<-h.done
	h.hub = nil
}

// Restart stops and starts the hub on the same addresses
func (h *Hub) Restart(t testing.TB) {
	t.Helper()
	h.Stop()
	h.start(t)
}

// Config returns a bus.Config pointing at the hub for senderID
func (h *Hub) Config(senderID string) bus.Config {
	cfg := bus.DefaultConfig()
	cfg.PublishAddr = h.CollectAddr
	cfg.SubscribeAddr = h.DistributeAddr
	cfg.SenderID = senderID
	cfg.DialTimeout = time.Second
	cfg.RecvPollInterval = 10 * time.Millisecond
	return cfg
}

// Connect attaches a new replica host to the hub and returns its connection
// and transport (for Isolate/Restore). The connection is closed when t ends.
func (h *Hub) Connect(t testing.TB, senderID string) (*bus.Conn, *bus.MemoryTransport) {
	t.Helper()
	transport := h.Network.Transport()
	conn, err := bus.NewConn(h.Config(senderID), transport, nil, nil)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, transport
}

// WaitFor polls cond until it holds or timeout passes
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, msg)
}
