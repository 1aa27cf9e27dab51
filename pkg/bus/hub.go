package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// Hub is the broadcast substrate: every frame pushed to its collector is
// fanned out on its distributor to all subscribed replicas. It keeps no state
// and no history.
type Hub struct {
	cfg       HubConfig
	transport Transport
	logger    logging.Logger
	metrics   *metrics.Registry

	mu          sync.Mutex
	collector   Receiver
	distributor Sender
	closed      bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub that is not yet listening
func NewHub(cfg HubConfig, transport Transport, logger logging.Logger, reg *metrics.Registry) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("bus: transport is required")
	}
	return &Hub{
		cfg:       cfg,
		transport: transport,
		logger:    logging.OrNop(logger).With(logging.Component("bus-hub")),
		metrics:   reg,
	}, nil
}

// Listen binds the distributor first, then the collector, so no frame is
// accepted before it can be forwarded.
func (h *Hub) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.collector != nil {
		return errors.New("bus: hub already listening")
	}

	distributor, err := h.transport.ListenDistributor(h.cfg.DistributeAddr)
	if err != nil {
		return fmt.Errorf("listen distributor %s: %w", h.cfg.DistributeAddr, err)
	}
	collector, err := h.transport.ListenCollector(h.cfg.CollectAddr)
	if err != nil {
		_ = distributor.Close()
		return fmt.Errorf("listen collector %s: %w", h.cfg.CollectAddr, err)
	}
	if err := collector.SetRecvDeadline(h.cfg.RecvPollInterval); err != nil {
		_ = collector.Close()
		_ = distributor.Close()
		return fmt.Errorf("set recv deadline: %w", err)
	}

	h.collector, h.distributor = collector, distributor
	h.logger.Info("bus hub listening",
		logging.String("collect_addr", h.cfg.CollectAddr),
		logging.String("distribute_addr", h.cfg.DistributeAddr))
	return nil
}

// Run forwards frames until ctx is cancelled or the hub is closed
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	collector, distributor := h.collector, h.distributor
	h.mu.Unlock()
	if collector == nil {
		return errors.New("bus: hub not listening")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		frame, err := collector.Recv()
		if err != nil {
			switch {
			case errors.Is(err, ErrRecvTimeout):
				continue
			case errors.Is(err, ErrClosed):
				return nil
			default:
				h.logger.Warn("hub receive failed", logging.Error(err))
				continue
			}
		}

		if bytes.IndexByte(frame, topicSeparator) <= 0 {
			h.dropped.Add(1)
			h.logger.Debug("hub dropping frame without topic")
			continue
		}

		if err := distributor.Send(frame); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			h.dropped.Add(1)
			h.logger.Warn("hub forward failed", logging.Error(err))
			continue
		}
		h.forwarded.Add(1)
		h.metrics.RecordHubForward()
	}
}

// Stats returns the number of forwarded and dropped frames
func (h *Hub) Stats() (forwarded, dropped uint64) {
	return h.forwarded.Load(), h.dropped.Load()
}

// Close unbinds both sockets. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if h.collector != nil {
		if err := h.collector.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	if h.distributor != nil {
		if err := h.distributor.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	h.logger.Info("bus hub closed")
	return errors.Join(errs...)
}
