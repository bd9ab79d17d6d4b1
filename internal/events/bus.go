// Package events provides the in-process pub/sub bus the OMS uses to
// decouple the trading paths from observers (websocket stream, logs).
package events

import "sync"

// Bus is a lightweight channel-based broker. Publishing never blocks;
// slow subscribers lose messages rather than stalling trading paths.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Envelope)}
}

// Subscribe registers a listener for the given topics and returns the
// fan-in channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Envelope, func()) {
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range topics {
				subs := b.subs[t]
				for i, c := range subs {
					if c == ch {
						b.subs[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- Envelope{Topic: t, Payload: payload}:
		default:
			// subscriber is slow; drop rather than block trading
		}
	}
}
