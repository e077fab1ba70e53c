// Package eventbus is the in-process publish/subscribe dispatcher used to
// decouple UI-triggered intents from the subsystems that react to them.
// Dispatch is synchronous: Publish returns after every handler has run.
package eventbus

import "sync"

type Handler func(payload any)

type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers fn for topic. The returned handle must be retained and
// released with Unsubscribe when the subscriber leaves scope.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][b.next] = fn
	return &Subscription{bus: b, topic: topic, id: b.next}
}

func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	ids := make([]int, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	// Registration order keeps dispatch deterministic.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.id)
}

// Topics carried between the core's subsystems.
const (
	TopicTokenChanged  = "token-changed"
	TopicCombatChanged = "combat-changed"
	TopicChatMessage   = "chat:message"
	TopicDiceRoll      = "chat:diceRoll"
	TopicSessionLeft   = "game:left"
)
