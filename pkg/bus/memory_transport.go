package bus

import (
	"fmt"
	"sync"
	"time"
)

const memoryQueueSize = 1024

// MemoryNetwork is an in-process stand-in for the hub's network. Each
// MemoryTransport created from it behaves like one host: Isolate cuts every
// socket of that host off the network until Restore.
type MemoryNetwork struct {
	mu           sync.Mutex
	collectors   map[string]*memCollector
	distributors map[string]*memDistributor
	dialed       map[string][]*memSocket
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		collectors:   make(map[string]*memCollector),
		distributors: make(map[string]*memDistributor),
		dialed:       make(map[string][]*memSocket),
	}
}

// Transport returns a new host attached to the network
func (n *MemoryNetwork) Transport() *MemoryTransport {
	return &MemoryTransport{net: n}
}

// MemoryTransport is a Transport over a MemoryNetwork
type MemoryTransport struct {
	net      *MemoryNetwork
	isolated bool // guarded by net.mu
}

var _ Transport = (*MemoryTransport)(nil)

// memSocket is the dialed side shared by publisher and subscriber
type memSocket struct {
	t      *MemoryTransport
	addr   string
	sub    bool
	onLink LinkFunc
	linked bool
	closed bool
	inbox  chan []byte // subscribers only
	done   chan struct{}
}

type memCollector struct {
	inbox chan []byte
	done  chan struct{}
}

type memDistributor struct {
	done chan struct{}
}

// linkedLocked computes whether s currently reaches its endpoint. Caller holds net.mu.
func (n *MemoryNetwork) linkedLocked(s *memSocket) bool {
	if s.closed || s.t.isolated {
		return false
	}
	if s.sub {
		_, ok := n.distributors[s.addr]
		return ok
	}
	_, ok := n.collectors[s.addr]
	return ok
}

// relinkLocked recomputes link state for sockets and returns the callbacks to
// fire once net.mu is released.
func (n *MemoryNetwork) relinkLocked(sockets []*memSocket) []func() {
	var fire []func()
	for _, s := range sockets {
		now := n.linkedLocked(s)
		if now == s.linked {
			continue
		}
		s.linked = now
		if s.onLink != nil {
			cb, up := s.onLink, now
			fire = append(fire, func() { cb(up) })
		}
	}
	return fire
}

func runCallbacks(fire []func()) {
	for _, f := range fire {
		f()
	}
}

func (t *MemoryTransport) dial(addr string, sub bool, onLink LinkFunc) (*memSocket, error) {
	n := t.net
	n.mu.Lock()
	s := &memSocket{t: t, addr: addr, sub: sub, onLink: onLink, done: make(chan struct{})}
	if sub {
		s.inbox = make(chan []byte, memoryQueueSize)
	}
	if !n.linkedLocked(s) {
		n.mu.Unlock()
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	n.dialed[addr] = append(n.dialed[addr], s)
	fire := n.relinkLocked([]*memSocket{s})
	n.mu.Unlock()

	runCallbacks(fire)
	return s, nil
}

// DialPublisher connects to the collector at addr
func (t *MemoryTransport) DialPublisher(addr string, onLink LinkFunc) (Sender, error) {
	s, err := t.dial(addr, false, onLink)
	if err != nil {
		return nil, err
	}
	return &memPublisher{memSocket: s}, nil
}

// DialSubscriber connects to the distributor at addr
func (t *MemoryTransport) DialSubscriber(addr string, onLink LinkFunc) (Receiver, error) {
	s, err := t.dial(addr, true, onLink)
	if err != nil {
		return nil, err
	}
	return &memSubscriber{memSocket: s}, nil
}

// ListenCollector binds a collector at addr
func (t *MemoryTransport) ListenCollector(addr string) (Receiver, error) {
	n := t.net
	n.mu.Lock()
	if _, exists := n.collectors[addr]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	c := &memCollector{inbox: make(chan []byte, memoryQueueSize), done: make(chan struct{})}
	n.collectors[addr] = c
	fire := n.relinkLocked(n.dialed[addr])
	n.mu.Unlock()

	runCallbacks(fire)
	return &memCollectorSocket{net: n, addr: addr, c: c}, nil
}

// ListenDistributor binds a distributor at addr
func (t *MemoryTransport) ListenDistributor(addr string) (Sender, error) {
	n := t.net
	n.mu.Lock()
	if _, exists := n.distributors[addr]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	d := &memDistributor{done: make(chan struct{})}
	n.distributors[addr] = d
	fire := n.relinkLocked(n.dialed[addr])
	n.mu.Unlock()

	runCallbacks(fire)
	return &memDistributorSocket{net: n, addr: addr, d: d}, nil
}

// Isolate cuts this host off the network. Its sockets report link down and
// frames to or from it are dropped.
func (t *MemoryTransport) Isolate() {
	t.setIsolated(true)
}

// Restore reattaches an isolated host
func (t *MemoryTransport) Restore() {
	t.setIsolated(false)
}

func (t *MemoryTransport) setIsolated(isolated bool) {
	n := t.net
	n.mu.Lock()
	t.isolated = isolated
	var mine []*memSocket
	for _, sockets := range n.dialed {
		for _, s := range sockets {
			if s.t == t {
				mine = append(mine, s)
			}
		}
	}
	fire := n.relinkLocked(mine)
	n.mu.Unlock()

	runCallbacks(fire)
}

func (s *memSocket) close() error {
	n := s.t.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.linked = false
	close(s.done)
	sockets := n.dialed[s.addr]
	for i, other := range sockets {
		if other == s {
			n.dialed[s.addr] = append(sockets[:i:i], sockets[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	return nil
}

type memPublisher struct {
	*memSocket
}

func (p *memPublisher) Send(frame []byte) error {
	n := p.t.net
	n.mu.Lock()
	if p.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if !p.linked {
		n.mu.Unlock()
		return ErrDisconnected
	}
	c := n.collectors[p.addr]
	n.mu.Unlock()

	buf := append([]byte(nil), frame...)
	select {
	case c.inbox <- buf:
		return nil
	case <-c.done:
		return ErrDisconnected
	case <-p.done:
		return ErrClosed
	}
}

func (p *memPublisher) Close() error { return p.close() }

type memSubscriber struct {
	*memSocket
	deadline time.Duration
}

func (s *memSubscriber) Recv() ([]byte, error) {
	return recvWithDeadline(s.inbox, s.done, s.deadline)
}

func (s *memSubscriber) SetRecvDeadline(d time.Duration) error {
	s.deadline = d
	return nil
}

func (s *memSubscriber) Close() error { return s.close() }

type memCollectorSocket struct {
	net      *MemoryNetwork
	addr     string
	c        *memCollector
	deadline time.Duration
	once     sync.Once
}

func (cs *memCollectorSocket) Recv() ([]byte, error) {
	return recvWithDeadline(cs.c.inbox, cs.c.done, cs.deadline)
}

func (cs *memCollectorSocket) SetRecvDeadline(d time.Duration) error {
	cs.deadline = d
	return nil
}

func (cs *memCollectorSocket) Close() error {
	err := ErrClosed
	cs.once.Do(func() {
		err = nil
		n := cs.net
		n.mu.Lock()
		delete(n.collectors, cs.addr)
		close(cs.c.done)
		fire := n.relinkLocked(n.dialed[cs.addr])
		n.mu.Unlock()
		runCallbacks(fire)
	})
	return err
}

type memDistributorSocket struct {
	net  *MemoryNetwork
	addr string
	d    *memDistributor
	once sync.Once
}

// Send fans frame out to every linked subscriber. Full subscriber queues drop
// the frame, as a PUB socket would.
func (ds *memDistributorSocket) Send(frame []byte) error {
	n := ds.net
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-ds.d.done:
		return ErrClosed
	default:
	}

	for _, s := range n.dialed[ds.addr] {
		if !s.linked {
			continue
		}
		buf := append([]byte(nil), frame...)
		select {
		case s.inbox <- buf:
		default:
		}
	}
	return nil
}

func (ds *memDistributorSocket) Close() error {
	err := ErrClosed
	ds.once.Do(func() {
		err = nil
		n := ds.net
		n.mu.Lock()
		delete(n.distributors, ds.addr)
		close(ds.d.done)
		fire := n.relinkLocked(n.dialed[ds.addr])
		n.mu.Unlock()
		runCallbacks(fire)
	})
	return err
}

func recvWithDeadline(inbox <-chan []byte, done <-chan struct{}, deadline time.Duration) ([]byte, error) {
	if deadline <= 0 {
		select {
		case frame := <-inbox:
			return frame, nil
		case <-done:
			return nil, ErrClosed
		}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case frame := <-inbox:
		return frame, nil
	case <-done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

func init() {
	shared := NewMemoryNetwork()
	RegisterTransport("memory", func() Transport { return shared.Transport() })
}
