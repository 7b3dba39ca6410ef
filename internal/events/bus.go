// Package events fans canonical stream events out to subscribers, both
// in-process (registry internals, CLI) and over websocket connections.
package events

import (
	"sync"

	"github.com/deckhand-ai/deckhand/pkg/models"
)

const subscriberBuffer = 64

// Bus is an in-process publish/subscribe hub keyed by conversation id.
// Publishing never blocks: a subscriber that falls subscriberBuffer
// events behind is dropped and its channel closed.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan *models.StreamEvent
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan *models.StreamEvent)}
}

// Subscribe registers for events of one conversation. The returned
// cancel function is idempotent and closes the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan *models.StreamEvent, func()) {
	ch := make(chan *models.StreamEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan *models.StreamEvent)
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[sessionID]; subs != nil {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its conversation.
// Subscribers whose buffers are full are dropped on the spot so a stuck
// consumer can never stall a turn.
func (b *Bus) Publish(ev *models.StreamEvent) {
	b.mu.Lock()
	subs := b.subs[ev.SessionID]
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			delete(subs, id)
			close(ch)
		}
	}
	if len(subs) == 0 {
		delete(b.subs, ev.SessionID)
	}
	b.mu.Unlock()
}

// SubscriberCount reports the current subscriber count for a conversation.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
