package bus

import (
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports (tcp, ipc, inproc, ws)
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// NNGTransport implements Transport with pure-Go mangos sockets.
type NNGTransport struct {
	ReconnectTime    time.Duration
	MaxReconnectTime time.Duration
	SendDeadline     time.Duration
}

var _ Transport = (*NNGTransport)(nil)

// NewNNGTransport creates an NNG transport with default reconnect backoff
func NewNNGTransport() *NNGTransport {
	return &NNGTransport{
		ReconnectTime:    100 * time.Millisecond,
		MaxReconnectTime: 5 * time.Second,
		SendDeadline:     time.Second,
	}
}

// nngSocket wraps a mangos.Socket and normalizes its errors
type nngSocket struct {
	sock mangos.Socket
}

func (s *nngSocket) Send(frame []byte) error {
	return mapNNGError(s.sock.Send(frame))
}

func (s *nngSocket) Recv() ([]byte, error) {
	frame, err := s.sock.Recv()
	return frame, mapNNGError(err)
}

func (s *nngSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionRecvDeadline, d)
}

func (s *nngSocket) Close() error {
	return mapNNGError(s.sock.Close())
}

func mapNNGError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mangos.ErrRecvTimeout):
		return ErrRecvTimeout
	case errors.Is(err, mangos.ErrClosed):
		return ErrClosed
	case errors.Is(err, mangos.ErrSendTimeout):
		return ErrDisconnected
	default:
		return err
	}
}

// pipeCounter turns mangos pipe events into LinkFunc transitions
type pipeCounter struct {
	mu     sync.Mutex
	pipes  int
	onLink LinkFunc
}

func (pc *pipeCounter) hook(ev mangos.PipeEvent, _ mangos.Pipe) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	switch ev {
	case mangos.PipeEventAttached:
		pc.pipes++
		if pc.pipes == 1 && pc.onLink != nil {
			pc.onLink(true)
		}
	case mangos.PipeEventDetached:
		if pc.pipes == 0 {
			return
		}
		pc.pipes--
		if pc.pipes == 0 && pc.onLink != nil {
			pc.onLink(false)
		}
	}
}

func (t *NNGTransport) dial(sock mangos.Socket, addr string, onLink LinkFunc) error {
	pc := &pipeCounter{onLink: onLink}
	sock.SetPipeEventHook(pc.hook)

	if err := sock.SetOption(mangos.OptionReconnectTime, t.ReconnectTime); err != nil {
		return err
	}
	if err := sock.SetOption(mangos.OptionMaxReconnectTime, t.MaxReconnectTime); err != nil {
		return err
	}
	// First dial is synchronous so an unreachable hub fails startup;
	// mangos redials on its own after that.
	return sock.DialOptions(addr, map[string]interface{}{
		mangos.OptionDialAsynch: false,
	})
}

// DialPublisher dials a PUSH socket to the hub collector
func (t *NNGTransport) DialPublisher(addr string, onLink LinkFunc) (Sender, error) {
	sock, err := push.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, t.SendDeadline); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := t.dial(sock, addr, onLink); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}

// DialSubscriber dials a SUB socket to the hub distributor, subscribed to
// every topic
func (t *NNGTransport) DialSubscriber(addr string, onLink LinkFunc) (Receiver, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte{}); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := t.dial(sock, addr, onLink); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}

// ListenCollector binds the hub's PULL socket
func (t *NNGTransport) ListenCollector(addr string) (Receiver, error) {
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}

// ListenDistributor binds the hub's PUB socket
func (t *NNGTransport) ListenDistributor(addr string) (Sender, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}

func init() {
	RegisterTransport("nng", func() Transport { return NewNNGTransport() })
}
