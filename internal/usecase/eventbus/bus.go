package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"toolhost/internal/domain"
)

// mailboxSize bounds the events queued for one subscriber. Publishing to a
// full mailbox drops the event for that subscriber and logs a warning.
const mailboxSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	filter  func(domain.Event) bool
	mailbox chan delivery
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber has its own
// goroutine and receives events in publish order, so a plugin's status
// transitions are observed as loading before running.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. It never blocks on a slow handler. Panicking handlers are
// recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

// enqueue must be called with b.mu read-locked; mailboxes are only closed
// under the write lock.
func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	if sub.filter != nil && !sub.filter(event) {
		return
	}
	select {
	case sub.mailbox <- delivery{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber mailbox full",
			"event", string(event.Type),
			"plugin", event.PluginID,
		)
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.mailbox {
		b.deliver(d, sub)
	}
}

func (b *Bus) deliver(d delivery, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) newSubscription(handler domain.EventHandler, filter func(domain.Event) bool) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		filter:  filter,
		mailbox: make(chan delivery, mailboxSize),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler, nil)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return b.unsubscriber(sub, func() {
		b.typed[eventType] = remove(b.typed[eventType], sub)
	})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.subscribeAll(handler, nil)
}

// SubscribePlugin registers a handler for every event about one plugin.
func (b *Bus) SubscribePlugin(pluginID string, handler domain.EventHandler) func() {
	return b.subscribeAll(handler, func(e domain.Event) bool { return e.PluginID == pluginID })
}

func (b *Bus) subscribeAll(handler domain.EventHandler, filter func(domain.Event) bool) func() {
	sub := b.newSubscription(handler, filter)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return b.unsubscriber(sub, func() {
		b.allSubs = remove(b.allSubs, sub)
	})
}

// unsubscriber returns an idempotent function that detaches sub and lets its
// goroutine finish the events already queued.
func (b *Bus) unsubscriber(sub *subscription, detach func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed.Load() {
				return // Close owns the mailboxes now
			}
			detach()
			close(sub.mailbox)
		})
	}
}

func remove(subs []*subscription, target *subscription) []*subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Dropped returns how many deliveries were discarded because a subscriber
// fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes and waits for all queued events to be handled.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	for _, subs := range b.typed {
		for _, s := range subs {
			close(s.mailbox)
		}
	}
	for _, s := range b.allSubs {
		close(s.mailbox)
	}
	b.typed = nil
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
