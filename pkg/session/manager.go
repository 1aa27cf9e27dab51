package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

// Connection is one live client connection. Its context is cancelled when
// the connection closes.
type Connection struct {
	ID        string
	Info      ConnectionInfo
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	client      *ClientContext
	closed      bool
	closeReason string
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ClientContext returns the attached client context, if any
func (c *Connection) ClientContext() (ClientContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return ClientContext{}, false
	}
	return *c.client, true
}

// Closed reports whether Close ran for this connection
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseReason returns why the connection closed, or "" while open
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

type observerEntry struct {
	id uint64
	o  Observer
}

// Manager owns every connection and client context of this replica and
// sequences their creation and teardown for observers.
type Manager struct {
	logger logging.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool

	observersMu    sync.RWMutex
	nextObserverID uint64
	observers      []observerEntry
}

// NewManager creates a manager with initial observers
func NewManager(logger logging.Logger, observers ...Observer) *Manager {
	m := &Manager{
		logger:      logging.OrNop(logger).With(logging.Component("session")),
		connections: make(map[string]*Connection),
	}
	for _, o := range observers {
		m.AddObserver(o)
	}
	return m
}

// AddObserver registers o and returns a function that removes it
func (m *Manager) AddObserver(o Observer) (remove func()) {
	m.observersMu.Lock()
	m.nextObserverID++
	id := m.nextObserverID
	m.observers = append(m.observers, observerEntry{id: id, o: o})
	m.observersMu.Unlock()

	return func() {
		m.observersMu.Lock()
		defer m.observersMu.Unlock()
		for i, e := range m.observers {
			if e.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) notify(fn func(o Observer)) {
	m.observersMu.RLock()
	observers := make([]observerEntry, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, e := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session observer panicked", logging.Any("panic", r))
				}
			}()
			fn(e.o)
		}()
	}
}

// Accept registers a new connection
func (m *Manager) Accept(info ConnectionInfo) (*Connection, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        uuid.NewString(),
		Info:      info,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrManagerClosed
	}
	m.connections[c.ID] = c
	m.mu.Unlock()

	m.notify(func(o Observer) { o.OnConnectionCreated(c) })
	m.logger.Debug("connection accepted",
		logging.ConnectionID(c.ID),
		logging.String("client_type", info.ClientType),
		logging.String("path", info.Path))
	return c, nil
}

// Attach binds the resolved client context to c
func (m *Manager) Attach(c *Connection, cc ClientContext) error {
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = time.Now()
	}
	if cc.ClientType == "" {
		cc.ClientType = c.Info.ClientType
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case c.client != nil:
		c.mu.Unlock()
		return ErrContextAttached
	}
	c.client = &cc
	c.mu.Unlock()

	m.notify(func(o Observer) { o.OnClientContextCreated(c, cc) })
	m.logger.Debug("client context created",
		logging.ConnectionID(c.ID),
		logging.SessionID(cc.SessionID),
		logging.String("auth_level", cc.AuthLevel))
	return nil
}

// Close tears c down: the client context closes first, then the connection.
// Only the first call has an effect.
func (m *Manager) Close(c *Connection, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	client := c.client
	c.mu.Unlock()

	c.cancel()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	if client != nil {
		m.notify(func(o Observer) { o.OnClientContextClosed(c, *client) })
	}
	m.notify(func(o Observer) { o.OnConnectionClosed(c) })
	m.logger.Debug("connection closed",
		logging.ConnectionID(c.ID),
		logging.String("reason", reason),
		logging.Duration("lifetime", time.Since(c.CreatedAt)))
}

// Get returns a live connection by id
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

// Len returns the number of live connections
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// ForUser returns the live connections whose client context belongs to
// userID, oldest first
func (m *Manager) ForUser(userID string) []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0)
	for _, c := range m.connections {
		if cc, ok := c.ClientContext(); ok && cc.UserID == userID {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown closes every connection and rejects new ones
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.Close(c, reason)
	}
	if len(conns) > 0 {
		m.logger.Info("closed all connections", logging.Int("count", len(conns)), logging.String("reason", reason))
	}
}
