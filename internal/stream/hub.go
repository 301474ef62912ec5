// Package stream provides real-time bar distribution to per-symbol subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
)

// Hub distributes live bars from one source to any number of subscribers.
// Each subscription owns an unbounded FIFO queue, so a slow consumer never
// drops bars and never blocks the publisher or other symbols.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscription
	stopped     bool
	onIdle      func(symbol string)

	// Metrics
	barsPublished uint64
	barsDelivered uint64
	barsOrphaned  uint64
}

// HubMetrics is a snapshot of hub counters.
type HubMetrics struct {
	BarsPublished uint64
	BarsDelivered uint64
	BarsOrphaned  uint64 // published with no subscriber listening
	Subscribers   int
}

// NewHub creates a new stream hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]*Subscription),
	}
}

// OnIdle registers a callback run when the last subscriber of a symbol
// leaves. Sources use it to release upstream subscriptions.
func (h *Hub) OnIdle(fn func(symbol string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onIdle = fn
}

// Subscribe opens a new stream for symbol.
func (h *Hub) Subscribe(symbol string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil, errors.Wrapf(errors.ErrStreamClosed, "subscribe %s", symbol)
	}

	sub := &Subscription{
		symbol: symbol,
		hub:    h,
		signal: make(chan struct{}, 1),
	}
	h.subscribers[symbol] = append(h.subscribers[symbol], sub)
	return sub, nil
}

// Publish appends bar to every open stream for symbol and returns how many
// streams received it.
func (h *Hub) Publish(symbol string, bar models.Bar) int {
	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subscribers[symbol]...)
	h.mu.Unlock()

	atomic.AddUint64(&h.barsPublished, 1)
	delivered := 0
	for _, sub := range subs {
		if sub.push(bar) {
			delivered++
		}
	}
	if delivered == 0 {
		atomic.AddUint64(&h.barsOrphaned, 1)
	}
	atomic.AddUint64(&h.barsDelivered, uint64(delivered))
	return delivered
}

// Close ends every open stream for symbol. Queued bars stay readable;
// after they drain, Next reports ErrStreamClosed.
func (h *Hub) Close(symbol string) {
	h.mu.Lock()
	subs := h.subscribers[symbol]
	delete(h.subscribers, symbol)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeStream()
	}
}

// Stop closes every stream and rejects new subscriptions.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	all := h.subscribers
	h.subscribers = make(map[string][]*Subscription)
	h.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.closeStream()
		}
	}
}

// Symbols returns the symbols that currently have subscribers.
func (h *Hub) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.subscribers))
	for symbol := range h.subscribers {
		out = append(out, symbol)
	}
	return out
}

// SubscriberCount returns the number of open streams for a symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[symbol])
}

// Metrics returns current hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.mu.Lock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	h.mu.Unlock()

	return HubMetrics{
		BarsPublished: atomic.LoadUint64(&h.barsPublished),
		BarsDelivered: atomic.LoadUint64(&h.barsDelivered),
		BarsOrphaned:  atomic.LoadUint64(&h.barsOrphaned),
		Subscribers:   count,
	}
}

// remove detaches sub and fires onIdle if it was the last one for its symbol.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	subs := h.subscribers[sub.symbol]
	found := false
	for i, s := range subs {
		if s == sub {
			h.subscribers[sub.symbol] = append(subs[:i], subs[i+1:]...)
			found = true
			break
		}
	}
	idle := found && len(h.subscribers[sub.symbol]) == 0
	if idle {
		delete(h.subscribers, sub.symbol)
	}
	onIdle := h.onIdle
	h.mu.Unlock()

	if idle && onIdle != nil {
		onIdle(sub.symbol)
	}
}

// Subscription is one consumer's ordered view of a symbol's live bars.
type Subscription struct {
	symbol string
	hub    *Hub
	signal chan struct{}

	mu       sync.Mutex
	queue    []models.Bar
	closed   bool
	released bool
	once     sync.Once
}

// Symbol returns the subscribed symbol.
func (s *Subscription) Symbol() string {
	return s.symbol
}

// Next blocks until the next bar arrives, the stream ends, the subscription
// is released, or ctx is done. Bars come out in publish order.
func (s *Subscription) Next(ctx context.Context) (models.Bar, error) {
	for {
		s.mu.Lock()
		if s.released {
			s.mu.Unlock()
			return models.Bar{}, errors.ErrUnsubscribed
		}
		if len(s.queue) > 0 {
			bar := s.queue[0]
			s.queue[0] = models.Bar{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return bar, nil
		}
		if s.closed {
			s.mu.Unlock()
			return models.Bar{}, errors.ErrStreamClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.Bar{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Unsubscribe releases the subscription. It is idempotent and safe to call
// from any goroutine, including the one blocked in Next.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.queue = nil
		s.mu.Unlock()
		s.wake()

		s.hub.remove(s)
	})
}

// Pending returns the number of queued, unread bars.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(bar models.Bar) bool {
	s.mu.Lock()
	if s.released || s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, bar)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Subscription) closeStream() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
