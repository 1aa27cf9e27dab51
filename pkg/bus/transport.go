package bus

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// LinkFunc is called whenever a dialed socket gains or loses its last peer.
type LinkFunc func(up bool)

// Sender sends frames.
type Sender interface {
	io.Closer
	Send(frame []byte) error
}

// Receiver receives frames. Recv returns ErrRecvTimeout once the deadline set
// by SetRecvDeadline passes, and ErrClosed after Close.
type Receiver interface {
	io.Closer
	Recv() ([]byte, error)
	SetRecvDeadline(d time.Duration) error
}

// Transport creates the four socket roles of the hub topology: replicas dial
// a publisher (PUSH) into the hub's collector (PULL) and a subscriber (SUB) to
// the hub's distributor (PUB).
type Transport interface {
	DialPublisher(addr string, onLink LinkFunc) (Sender, error)
	DialSubscriber(addr string, onLink LinkFunc) (Receiver, error)
	ListenCollector(addr string) (Receiver, error)
	ListenDistributor(addr string) (Sender, error)
}

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]func() Transport)
)

// RegisterTransport makes a transport constructor available to NewTransport
func RegisterTransport(name string, ctor func() Transport) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = ctor
}

// NewTransport returns the transport registered under name
func NewTransport(name string) (Transport, error) {
	transportsMu.RLock()
	ctor, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownTransport, name, Transports())
	}
	return ctor(), nil
}

// Transports lists registered transport names
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	names := make([]string, 0, len(transports))
	for n := range transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
