package session

import "github.com/dd0wney/cluso-controlplane/pkg/metrics"

// Observer is told about connection and client context lifecycles. For
// every created event exactly one closed event follows.
type Observer interface {
	OnConnectionCreated(c *Connection)
	OnConnectionClosed(c *Connection)
	OnClientContextCreated(c *Connection, cc ClientContext)
	OnClientContextClosed(c *Connection, cc ClientContext)
}

// ObserverFuncs adapts optional functions to Observer
type ObserverFuncs struct {
	ConnectionCreated    func(c *Connection)
	ConnectionClosed     func(c *Connection)
	ClientContextCreated func(c *Connection, cc ClientContext)
	ClientContextClosed  func(c *Connection, cc ClientContext)
}

func (f ObserverFuncs) OnConnectionCreated(c *Connection) {
	if f.ConnectionCreated != nil {
		f.ConnectionCreated(c)
	}
}

func (f ObserverFuncs) OnConnectionClosed(c *Connection) {
	if f.ConnectionClosed != nil {
		f.ConnectionClosed(c)
	}
}

func (f ObserverFuncs) OnClientContextCreated(c *Connection, cc ClientContext) {
	if f.ClientContextCreated != nil {
		f.ClientContextCreated(c, cc)
	}
}

func (f ObserverFuncs) OnClientContextClosed(c *Connection, cc ClientContext) {
	if f.ClientContextClosed != nil {
		f.ClientContextClosed(c, cc)
	}
}

// MetricsObserver keeps the live connection and client context gauges
type MetricsObserver struct {
	Registry *metrics.Registry
}

func (o MetricsObserver) OnConnectionCreated(c *Connection) {
	o.Registry.ConnectionOpened(c.Info.ClientType)
}

func (o MetricsObserver) OnConnectionClosed(c *Connection) {
	o.Registry.ConnectionClosed(c.Info.ClientType)
}

func (o MetricsObserver) OnClientContextCreated(_ *Connection, cc ClientContext) {
	o.Registry.ClientContextOpened(cc.AuthLevel)
}

func (o MetricsObserver) OnClientContextClosed(_ *Connection, cc ClientContext) {
	o.Registry.ClientContextClosed(cc.AuthLevel)
}
