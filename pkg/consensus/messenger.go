package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

const (
	// TopicHeartbeat carries Heartbeat messages
	TopicHeartbeat = "consensus-leader-heartbeat"
	// TopicProbe carries Probe messages
	TopicProbe = "consensus-leader-probe"
)

// ReplicaID identifies one server replica for its lifetime
type ReplicaID = string

// Heartbeat is broadcast by a claimant or leader every heartbeat interval
type Heartbeat struct {
	ReplicaID ReplicaID `json:"replicaId"`
	Term      uint64    `json:"term"`
	// TS is the sender's wall clock in unix milliseconds
	TS    int64 `json:"ts"`
	TTLMs int64 `json:"ttlMs"`
}

// Probe checks that the bus round trip works. Every replica, including the
// sender, receives it.
type Probe struct {
	ReplicaID ReplicaID `json:"replicaId"`
	Nonce     string    `json:"nonce"`
	TS        int64     `json:"ts"`
}

// HeartbeatListener is called for every decoded heartbeat, own ones included
type HeartbeatListener func(Heartbeat)

// ProbeListener is called for every decoded probe, own ones included
type ProbeListener func(Probe)

// ConnectionListener is told when the bus connection goes up or down
type ConnectionListener func(connected bool)

// Messenger sends and receives consensus messages over the bus. Listeners
// run on the bus receive goroutine in registration order.
type Messenger struct {
	conn    *bus.Conn
	logger  logging.Logger
	metrics *metrics.Registry

	mu          sync.RWMutex
	nextID      uint64
	heartbeats  map[uint64]HeartbeatListener
	probes      map[uint64]ProbeListener
	connections map[uint64]ConnectionListener
	order       []uint64

	removeMsg   func()
	removeState func()
}

// NewMessenger creates a messenger on an existing bus connection
func NewMessenger(conn *bus.Conn, logger logging.Logger, reg *metrics.Registry) *Messenger {
	return &Messenger{
		conn:        conn,
		logger:      logging.OrNop(logger).With(logging.Component("consensus-messenger")),
		metrics:     reg,
		heartbeats:  make(map[uint64]HeartbeatListener),
		probes:      make(map[uint64]ProbeListener),
		connections: make(map[uint64]ConnectionListener),
	}
}

// Start subscribes to the consensus topics
func (m *Messenger) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeMsg != nil {
		return ErrAlreadyStarted
	}
	m.removeMsg = m.conn.AddListener(m.onMessage)
	m.removeState = m.conn.OnStateChange(m.onState)
	return nil
}

// Stop unsubscribes. Registered listeners are kept.
func (m *Messenger) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeMsg == nil {
		return nil
	}
	m.removeMsg()
	m.removeState()
	m.removeMsg, m.removeState = nil, nil
	return nil
}

// Connected reports whether the underlying bus connection is up
func (m *Messenger) Connected() bool {
	return m.conn.Connected()
}

// SendHeartbeat publishes hb. It fails fast with bus.ErrDisconnected.
func (m *Messenger) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	if err := m.conn.PublishJSON(ctx, TopicHeartbeat, hb); err != nil {
		m.metrics.RecordHeartbeat(metrics.DirectionSent, metrics.OutcomeFailure)
		return fmt.Errorf("send heartbeat: %w", err)
	}
	m.metrics.RecordHeartbeat(metrics.DirectionSent, metrics.OutcomeOK)
	return nil
}

// SendProbe publishes p
func (m *Messenger) SendProbe(ctx context.Context, p Probe) error {
	if err := m.conn.PublishJSON(ctx, TopicProbe, p); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}
	return nil
}

func (m *Messenger) add(register func(id uint64)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	register(id)
	m.order = append(m.order, id)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.heartbeats, id)
		delete(m.probes, id)
		delete(m.connections, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// OnHeartbeat registers fn and returns a function that removes it
func (m *Messenger) OnHeartbeat(fn HeartbeatListener) (remove func()) {
	return m.add(func(id uint64) { m.heartbeats[id] = fn })
}

// OnProbe registers fn and returns a function that removes it
func (m *Messenger) OnProbe(fn ProbeListener) (remove func()) {
	return m.add(func(id uint64) { m.probes[id] = fn })
}

// OnConnectionChange registers fn and returns a function that removes it
func (m *Messenger) OnConnectionChange(fn ConnectionListener) (remove func()) {
	return m.add(func(id uint64) { m.connections[id] = fn })
}

func (m *Messenger) onMessage(msg bus.Message) {
	switch msg.Topic {
	case TopicHeartbeat:
		var hb Heartbeat
		if err := msg.Decode(&hb); err != nil || hb.ReplicaID == "" {
			m.metrics.RecordHeartbeat(metrics.DirectionReceived, metrics.OutcomeError)
			m.logger.Warn("dropping malformed heartbeat", logging.String("sender", msg.Sender), logging.Error(err))
			return
		}
		m.mu.RLock()
		listeners := make([]HeartbeatListener, 0, len(m.heartbeats))
		for _, id := range m.order {
			if fn, ok := m.heartbeats[id]; ok {
				listeners = append(listeners, fn)
			}
		}
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(hb)
		}

	case TopicProbe:
		var p Probe
		if err := msg.Decode(&p); err != nil || p.ReplicaID == "" {
			m.logger.Warn("dropping malformed probe", logging.String("sender", msg.Sender), logging.Error(err))
			return
		}
		m.mu.RLock()
		listeners := make([]ProbeListener, 0, len(m.probes))
		for _, id := range m.order {
			if fn, ok := m.probes[id]; ok {
				listeners = append(listeners, fn)
			}
		}
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(p)
		}
	}
}

func (m *Messenger) onState(connected bool) {
	m.mu.RLock()
	listeners := make([]ConnectionListener, 0, len(m.connections))
	for _, id := range m.order {
		if fn, ok := m.connections[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(connected)
	}
}
