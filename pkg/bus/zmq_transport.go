//go:build zmq
// +build zmq

package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ZMQTransport implements Transport over libzmq. Link state comes from the
// socket monitor (EVENT_CONNECTED / EVENT_DISCONNECTED).
type ZMQTransport struct {
	ReconnectInterval time.Duration
	SendTimeout       time.Duration
}

var _ Transport = (*ZMQTransport)(nil)

var monitorSeq atomic.Uint64

// NewZMQTransport creates a ZMQ transport
func NewZMQTransport() *ZMQTransport {
	return &ZMQTransport{
		ReconnectInterval: 100 * time.Millisecond,
		SendTimeout:       time.Second,
	}
}

// zmqSocket serializes access; libzmq sockets are not goroutine-safe
type zmqSocket struct {
	mu      sync.Mutex
	sock    *zmq.Socket
	monitor *zmq.Socket
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *zmqSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.sock.SendBytes(frame, 0); err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			return ErrDisconnected
		}
		return err
	}
	return nil
}

func (s *zmqSocket) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	frame, err := s.sock.RecvBytes(0)
	if err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			return nil, ErrRecvTimeout
		}
		return nil, err
	}
	return frame, nil
}

func (s *zmqSocket) SetRecvDeadline(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.SetRcvtimeo(d)
}

func (s *zmqSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	if s.done != nil {
		close(s.done)
	}
	_ = s.sock.SetLinger(0)
	err := s.sock.Close()
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// watch reads monitor events until the socket closes
func (s *zmqSocket) watch(onLink LinkFunc) {
	defer s.wg.Done()
	defer s.monitor.Close()

	_ = s.monitor.SetRcvtimeo(250 * time.Millisecond)
	up := false
	for {
		select {
		case <-s.done:
			return
		default:
		}
		ev, _, _, err := s.monitor.RecvEvent(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			return
		}
		switch ev {
		case zmq.EVENT_CONNECTED:
			if !up {
				up = true
				onLink(true)
			}
		case zmq.EVENT_DISCONNECTED, zmq.EVENT_MONITOR_STOPPED:
			if up {
				up = false
				onLink(false)
			}
			if ev == zmq.EVENT_MONITOR_STOPPED {
				return
			}
		}
	}
}

func (t *ZMQTransport) dial(kind zmq.Type, addr string, onLink LinkFunc, setup func(*zmq.Socket) error) (*zmqSocket, error) {
	sock, err := zmq.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := setup(sock); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetReconnectIvl(t.ReconnectInterval); err != nil {
		sock.Close()
		return nil, err
	}

	monitorAddr := fmt.Sprintf("inproc://bus-monitor-%d", monitorSeq.Add(1))
	if err := sock.Monitor(monitorAddr, zmq.EVENT_CONNECTED|zmq.EVENT_DISCONNECTED); err != nil {
		sock.Close()
		return nil, fmt.Errorf("monitor: %w", err)
	}
	monitor, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if err := monitor.Connect(monitorAddr); err != nil {
		monitor.Close()
		sock.Close()
		return nil, err
	}

	s := &zmqSocket{sock: sock, monitor: monitor, done: make(chan struct{})}
	s.wg.Add(1)
	go s.watch(onLink)

	// zmq connects asynchronously; Conn.Connect waits for the monitor to
	// report the link within its dial timeout.
	if err := sock.Connect(addr); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DialPublisher dials a PUSH socket to the hub collector
func (t *ZMQTransport) DialPublisher(addr string, onLink LinkFunc) (Sender, error) {
	return t.dial(zmq.PUSH, addr, onLink, func(s *zmq.Socket) error {
		return s.SetSndtimeo(t.SendTimeout)
	})
}

// DialSubscriber dials a SUB socket subscribed to every topic
func (t *ZMQTransport) DialSubscriber(addr string, onLink LinkFunc) (Receiver, error) {
	return t.dial(zmq.SUB, addr, onLink, func(s *zmq.Socket) error {
		return s.SetSubscribe("")
	})
}

func (t *ZMQTransport) listen(kind zmq.Type, addr string) (*zmqSocket, error) {
	sock, err := zmq.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &zmqSocket{sock: sock}, nil
}

// ListenCollector binds the hub's PULL socket
func (t *ZMQTransport) ListenCollector(addr string) (Receiver, error) {
	return t.listen(zmq.PULL, addr)
}

// ListenDistributor binds the hub's PUB socket
func (t *ZMQTransport) ListenDistributor(addr string) (Sender, error) {
	return t.listen(zmq.PUB, addr)
}

func init() {
	RegisterTransport("zmq", func() Transport { return NewZMQTransport() })
}
