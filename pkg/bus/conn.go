package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// MessageListener receives every message read from the bus, in receipt order,
// on the connection's single receive goroutine.
type MessageListener func(Message)

// StateListener is told when the connection goes up or down.
type StateListener func(connected bool)

// Conn is a replica's connection to the bus hub. Publishing and receiving use
// separate sockets; the connection counts as up only while both are linked.
type Conn struct {
	cfg       Config
	transport Transport
	logger    logging.Logger
	metrics   *metrics.Registry

	mu        sync.Mutex
	pub       Sender
	sub       Receiver
	pubLinked bool
	subLinked bool
	connected bool
	everUp    bool
	closed    bool

	listenersMu    sync.RWMutex
	nextListenerID uint64
	listeners      []listenerEntry
	stateListeners []stateEntry

	linkedCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	published atomic.Uint64
	received  atomic.Uint64
}

type listenerEntry struct {
	id uint64
	fn MessageListener
}

type stateEntry struct {
	id uint64
	fn StateListener
}

// NewConn creates an unconnected bus connection
func NewConn(cfg Config, transport Transport, logger logging.Logger, reg *metrics.Registry) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("bus: transport is required")
	}
	return &Conn{
		cfg:       cfg,
		transport: transport,
		logger:    logging.OrNop(logger).With(logging.Component("bus")),
		metrics:   reg,
		linkedCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}, nil
}

// Connect dials the hub and starts the receive loop. It fails with
// ErrUnreachable when both links are not up within DialTimeout. After a
// successful Connect the transport reconnects on its own.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pub != nil {
		c.mu.Unlock()
		return errors.New("bus: already connected")
	}
	c.mu.Unlock()

	sub, err := c.transport.DialSubscriber(c.cfg.SubscribeAddr, c.onSubLink)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnreachable, c.cfg.SubscribeAddr, err)
	}
	if err := sub.SetRecvDeadline(c.cfg.RecvPollInterval); err != nil {
		_ = sub.Close()
		return fmt.Errorf("bus: set recv deadline: %w", err)
	}

	pub, err := c.transport.DialPublisher(c.cfg.PublishAddr, c.onPubLink)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: publish %s: %v", ErrUnreachable, c.cfg.PublishAddr, err)
	}

	c.mu.Lock()
	c.pub, c.sub = pub, sub
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	select {
	case <-c.linkedCh:
	case <-dialCtx.Done():
		_ = c.Close()
		return fmt.Errorf("%w: no link within %v", ErrUnreachable, c.cfg.DialTimeout)
	}

	c.wg.Add(1)
	go c.recvLoop(sub)

	c.logger.Info("bus connected",
		logging.String("publish_addr", c.cfg.PublishAddr),
		logging.String("subscribe_addr", c.cfg.SubscribeAddr))
	return nil
}

func (c *Conn) onPubLink(up bool) {
	c.mu.Lock()
	c.pubLinked = up
	c.mu.Unlock()
	c.updateState()
}

func (c *Conn) onSubLink(up bool) {
	c.mu.Lock()
	c.subLinked = up
	c.mu.Unlock()
	c.updateState()
}

func (c *Conn) updateState() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.pubLinked && c.subLinked
	if now == c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = now
	reconnect := now && c.everUp
	if now && !c.everUp {
		c.everUp = true
		close(c.linkedCh)
	}
	c.mu.Unlock()

	c.metrics.SetBusConnected(now)
	if reconnect {
		c.metrics.RecordBusReconnect()
		c.logger.Info("bus reconnected")
	} else if !now {
		c.logger.Warn("bus disconnected")
	}
	c.notifyState(now)
}

func (c *Conn) notifyState(connected bool) {
	c.listenersMu.RLock()
	listeners := make([]stateEntry, len(c.stateListeners))
	copy(listeners, c.stateListeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("bus state listener panicked", logging.Any("panic", r))
				}
			}()
			l.fn(connected)
		}()
	}
}

// Connected reports whether both hub links are up
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SenderID returns the id stamped into published envelopes
func (c *Conn) SenderID() string {
	return c.cfg.SenderID
}

// Publish sends payload (already JSON) on topic. It never buffers: while the
// connection is down it fails fast with ErrDisconnected.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	pub, connected, closed := c.pub, c.connected, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if pub == nil || !connected {
		c.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeDropped)
		return ErrDisconnected
	}

	frame, err := encodeFrame(topic, c.cfg.SenderID, payload, time.Now(), c.cfg.CompressThreshold)
	if err != nil {
		c.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeError)
		return err
	}
	if err := pub.Send(frame); err != nil {
		c.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeError)
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	c.published.Add(1)
	c.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeOK)
	return nil
}

// PublishJSON marshals v and publishes it on topic
func (c *Conn) PublishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s payload: %w", topic, err)
	}
	return c.Publish(ctx, topic, payload)
}

// AddListener registers fn for every received message. The returned func
// removes it.
func (c *Conn) AddListener(fn MessageListener) (remove func()) {
	c.listenersMu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for connection transitions. The returned func
// removes it.
func (c *Conn) OnStateChange(fn StateListener) (remove func()) {
	c.listenersMu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.stateListeners = append(c.stateListeners, stateEntry{id: id, fn: fn})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.stateListeners {
			if l.id == id {
				c.stateListeners = append(c.stateListeners[:i:i], c.stateListeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Conn) recvLoop(sub Receiver) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		frame, err := sub.Recv()
		if err != nil {
			if errors.Is(err, ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Warn("bus receive failed", logging.Error(err))
			continue
		}

		msg, err := decodeFrame(frame)
		if err != nil {
			c.metrics.RecordBusMessage("invalid", metrics.DirectionReceived, metrics.OutcomeError)
			c.logger.Warn("dropping undecodable frame", logging.Error(err))
			continue
		}

		c.received.Add(1)
		c.metrics.RecordBusMessage(msg.Topic, metrics.DirectionReceived, metrics.OutcomeOK)
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg Message) {
	c.listenersMu.RLock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("bus listener panicked",
						logging.Topic(msg.Topic),
						logging.Any("panic", r))
				}
			}()
			l.fn(msg)
		}()
	}
}

// Stats returns the number of messages published and received so far
func (c *Conn) Stats() (published, received uint64) {
	return c.published.Load(), c.received.Load()
}

// Close closes both sockets and waits for the receive loop. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	pub, sub := c.pub, c.sub
	c.mu.Unlock()

	close(c.stopCh)

	var errs []error
	if pub != nil {
		if err := pub.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if sub != nil {
		if err := sub.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	c.wg.Wait()

	c.metrics.SetBusConnected(false)
	if wasConnected {
		c.notifyState(false)
	}
	c.logger.Info("bus connection closed")
	return errors.Join(errs...)
}
