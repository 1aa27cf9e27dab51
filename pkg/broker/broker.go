// Package broker dispatches bus messages to in-process topic handlers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// SubscriptionID identifies one handler registration
type SubscriptionID uint64

// Handler processes one message. Errors and panics are logged and counted;
// they never stop delivery to the topic's other handlers.
type Handler func(ctx context.Context, msg bus.Message) error

type subscription struct {
	id      SubscriptionID
	topic   string
	handler Handler
}

// Broker fans bus messages out to local subscribers. Delivery is
// at-least-once per connected replica; messages published while the bus is
// down are lost, not buffered.
type Broker struct {
	conn    *bus.Conn
	logger  logging.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	nextID SubscriptionID
	// topic -> subscriptions in insertion order
	topics  map[string][]subscription
	byID    map[SubscriptionID]string
	stopped bool

	ctx         context.Context
	cancel      context.CancelFunc
	removeRecv  func()
	removeState func()
}

// NewBroker creates a broker on an existing bus connection
func NewBroker(conn *bus.Conn, logger logging.Logger, reg *metrics.Registry) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		conn:    conn,
		logger:  logging.OrNop(logger).With(logging.Component("broker")),
		metrics: reg,
		topics:  make(map[string][]subscription),
		byID:    make(map[SubscriptionID]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins dispatching received messages
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.removeRecv != nil {
		return nil
	}
	b.removeRecv = b.conn.AddListener(b.dispatch)
	b.removeState = b.conn.OnStateChange(func(connected bool) {
		if connected {
			b.logger.Info("broker resumed")
		} else {
			b.logger.Warn("broker paused, messages are dropped until the bus reconnects")
		}
	})
	return nil
}

// Stop stops dispatching and cancels the context handed to running
// handlers. Safe to call more than once.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	if b.removeRecv != nil {
		b.removeRecv()
		b.removeState()
	}
	b.cancel()
	return nil
}

// Subscribe adds handler for topic. Handlers of a topic run in the order
// they subscribed.
func (b *Broker) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	if topic == "" || handler == nil {
		return 0, ErrInvalidTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return 0, ErrStopped
	}
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, topic: topic, handler: handler})
	b.byID[id] = topic

	b.logger.Debug("subscribed", logging.Topic(topic), logging.Uint64("subscription_id", uint64(id)))
	return id, nil
}

// Unsubscribe removes a handler
func (b *Broker) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byID[id]
	if !ok {
		return ErrUnknownSubscription
	}
	delete(b.byID, id)

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = subs
	}
	return nil
}

// Publish sends payload, already JSON, to every replica subscribed to topic,
// this one included. It fails with bus.ErrDisconnected while the bus is down.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	if err := b.conn.Publish(ctx, topic, payload); err != nil {
		b.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeFailure)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.metrics.RecordBusMessage(topic, metrics.DirectionPublished, metrics.OutcomeOK)
	return nil
}

// PublishJSON marshals v and publishes it on topic
func (b *Broker) PublishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// Topics returns the topics with at least one subscriber
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount returns the number of handlers on topic
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// dispatch runs on the bus receive goroutine. The handler list is
// snapshotted so handlers may subscribe or unsubscribe while running.
func (b *Broker) dispatch(msg bus.Message) {
	b.mu.RLock()
	subs := b.topics[msg.Topic]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	stopped := b.stopped
	b.mu.RUnlock()

	if stopped || len(snapshot) == 0 {
		return
	}
	b.metrics.RecordTopicRead(msg.Topic)

	for _, s := range snapshot {
		b.deliver(s, msg)
	}
}

func (b *Broker) deliver(s subscription, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordHandlerError(msg.Topic)
			b.logger.Error("handler panicked",
				logging.Topic(msg.Topic),
				logging.Uint64("subscription_id", uint64(s.id)),
				logging.Any("panic", r))
		}
	}()

	if err := s.handler(b.ctx, msg); err != nil {
		b.metrics.RecordHandlerError(msg.Topic)
		b.logger.Error("handler failed",
			logging.Topic(msg.Topic),
			logging.Uint64("subscription_id", uint64(s.id)),
			logging.Error(err))
	}
}
