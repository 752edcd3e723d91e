package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
	onDrop  func(Event)
}

type subscription struct {
	namespace string
	account   string
	ch        chan Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers fn to be called for every event dropped because a
// subscriber buffer was full.
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind and whose account filter, if any, matches event.Account.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.account != "" && sub.account != evt.Account {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(evt)
			}
		}
	}
}

// Dropped returns the number of deliveries skipped on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeAccount(namespace, "", bufSize)
}

// SubscribeAccount is Subscribe restricted to events of one account. An empty
// account matches every account.
func (b *Bus) SubscribeAccount(namespace, account string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, account: account, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
