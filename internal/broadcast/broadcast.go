// Package broadcast fans state change events out to any number of subscribers.
//
// Each subscriber owns a bounded ring buffer. Publish never blocks: when a buffer is
// full the oldest event is dropped and the next delivered event carries the number of
// dropped events in its Gap field. Events published in order are delivered to each
// subscriber in that order, so events for one subject (published under that subject's
// lock) arrive FIFO.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// DefaultBufferSize is the per-subscriber buffer capacity.
const DefaultBufferSize = 64

// Opts holds configuration options for the Broadcaster.
type Opts struct {
	BufferSize int
	OnDrop     func(subscriberID uint64)
}

// Option defines a configuration option for the Broadcaster.
type Option func(*Opts)

// WithBufferSize sets the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(o *Opts) {
		o.BufferSize = n
	}
}

// WithOnDrop registers a callback invoked for every dropped event. It runs on the
// publishing goroutine and must not block.
func WithOnDrop(fn func(subscriberID uint64)) Option {
	return func(o *Opts) {
		o.OnDrop = fn
	}
}

// Broadcaster publishes StateChangeEvents to subscribers.
type Broadcaster struct {
	bufferSize int
	onDrop     func(uint64)

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Broadcaster, applying any provided options.
func New(opts ...Option) *Broadcaster {
	cfg := Opts{BufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		bufferSize: cfg.BufferSize,
		onDrop:     cfg.OnDrop,
		subs:       make(map[uint64]*Subscription),
	}
}

// Publish enqueues ev for every current subscriber without blocking.
func (b *Broadcaster) Publish(ev models.StateChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.enqueue(ev) {
			b.dropped.Add(1)
			slog.Warn("Broadcaster.Publish: subscriber buffer full, dropped oldest event", "subscriber", sub.id)
			if b.onDrop != nil {
				b.onDrop(sub.id)
			}
		}
	}
}

// Subscribe registers a new subscriber. Callers must Close the subscription when done.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := newSubscription(b.nextID, b.bufferSize, b.remove)
	if b.closed {
		sub.shutdown()
		return sub
	}
	b.subs[sub.id] = sub
	slog.Debug("Broadcaster.Subscribe: subscriber added", "subscriber", sub.id, "total", len(b.subs))
	return sub
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events published so far.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns the number of events dropped across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close shuts down every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	slog.Debug("Broadcaster.Close: closed subscriptions", "count", len(subs))
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
