// Package broadcast fans rendered records out to a dynamic set of
// subscriptions.
//
// Every subscription owns a bounded queue. Publishes are serialized, so all
// subscriptions observe the same total order. When a queue is full the
// publisher waits up to Config.SlowConsumerTimeout (one deadline shared by the
// whole publish); subscriptions still full when it expires are evicted with
// ErrSlowConsumer. Everyone else keeps receiving every record in order.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close, and by Recv
	// once a closed hub's queued records are drained.
	ErrClosed = errors.New("broadcast: hub closed")
	// ErrUnsubscribed is returned by Recv after the subscription is closed.
	ErrUnsubscribed = errors.New("broadcast: unsubscribed")
	// ErrSlowConsumer is returned by Recv after the subscription was evicted
	// for not keeping up.
	ErrSlowConsumer = errors.New("broadcast: evicted slow consumer")
)

const (
	DefaultQueueSize           = 512
	DefaultSlowConsumerTimeout = 2 * time.Second
)

// Config tunes per-subscription buffering. Zero fields take defaults.
type Config struct {
	QueueSize           int
	SlowConsumerTimeout time.Duration
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Evicted     uint64 `json:"evicted"`
	Subscribers int    `json:"subscribers"`
}

// Hub is the consumer registry. It is safe for concurrent use.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	publishMu sync.Mutex

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	closing chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	evicted   atomic.Uint64
}

// NewHub creates an open hub with no subscriptions.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SlowConsumerTimeout <= 0 {
		cfg.SlowConsumerTimeout = DefaultSlowConsumerTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With().Str("component", "broadcast").Logger(),
		subs:    make(map[uint64]*Subscription),
		closing: make(chan struct{}),
	}
}

// Subscribe registers a new subscription. It sees only records published
// after it returns.
func (h *Hub) Subscribe(name string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	sub := &Subscription{
		id:    h.nextID,
		name:  name,
		hub:   h,
		queue: make(chan string, h.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	h.subs[sub.id] = sub

	h.logger.Debug().Uint64("sub", sub.id).Str("name", name).Int("subscribers", len(h.subs)).Msg("subscribed")
	return sub, nil
}

// Unsubscribe removes sub. It is idempotent and may race with Recv, which
// then returns ErrUnsubscribed.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if h.remove(sub) {
		h.logger.Debug().Uint64("sub", sub.id).Str("name", sub.name).Msg("unsubscribed")
	}
	sub.terminate(ErrUnsubscribed)
}

// Publish delivers text to every current subscription. It returns ErrClosed
// if the hub is closed, or the context error if ctx ends while waiting on a
// full queue.
func (h *Hub) Publish(ctx context.Context, text string) error {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	h.published.Add(1)

	var (
		timer   *time.Timer
		expired bool
		slow    []*Subscription
	)
	for _, sub := range targets {
		select {
		case sub.queue <- text:
			h.delivered.Add(1)
			continue
		case <-sub.done:
			continue
		default:
		}

		if expired {
			slow = append(slow, sub)
			continue
		}
		if timer == nil {
			timer = time.NewTimer(h.cfg.SlowConsumerTimeout)
			defer timer.Stop()
		}

		select {
		case sub.queue <- text:
			h.delivered.Add(1)
		case <-sub.done:
		case <-timer.C:
			expired = true
			slow = append(slow, sub)
		case <-h.closing:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, sub := range slow {
		if h.remove(sub) {
			h.evicted.Add(1)
			h.logger.Warn().Uint64("sub", sub.id).Str("name", sub.name).
				Dur("timeout", h.cfg.SlowConsumerTimeout).Msg("evicted slow consumer")
		}
		sub.terminate(ErrSlowConsumer)
	}
	return nil
}

// Close stops the hub. Further publishes and subscribes fail with ErrClosed;
// every subscription is closed and may drain what it already queued. Close
// is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.closing)
	h.mu.Unlock()

	// An in-flight publish sees closing and returns; after this no queue
	// receives anything new.
	h.publishMu.Lock()
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()
	h.publishMu.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrClosed)
	}
	h.logger.Debug().Int("subscribers", len(subs)).Msg("hub closed")
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	return Stats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Evicted:     h.evicted.Load(),
		Subscribers: n,
	}
}

func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.subs[sub.id]; !ok || cur != sub {
		return false
	}
	delete(h.subs, sub.id)
	return true
}
