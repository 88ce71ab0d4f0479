// Package eventbus provides the topic-based pub/sub used to fan bridge log
// lines and hardware events out to the broker's observers (console log,
// monitor stream) without coupling them to the hardware path.
package eventbus

import (
	"log"
	"sync"
	"time"
)

// Topic names a stream of events.
type Topic string

const (
	// TopicBridgeLog carries out-of-band log lines from the bridge process.
	TopicBridgeLog Topic = "bridge.log"
	// TopicVoltage carries periodic battery voltage samples.
	TopicVoltage Topic = "hardware.voltage"
	// TopicSession carries broker session lifecycle events.
	TopicSession Topic = "broker.session"
)

// Event is one published message.
type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Subscription receives events for one topic until closed.
type Subscription struct {
	C     <-chan Event
	bus   *Bus
	topic Topic
	id    uint64
	ch    chan Event
	once  sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.topic, s.id)
		close(s.ch)
	})
}

// Bus is a small non-blocking publisher. Slow subscribers lose events
// rather than stalling the hardware path; drops are counted and logged.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic]map[uint64]*Subscription
	nextID uint64
	drops  map[Topic]uint64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[Topic]map[uint64]*Subscription),
		drops: make(map[Topic]uint64),
	}
}

// Subscribe registers a subscriber for topic with the given channel buffer.
func (b *Bus) Subscribe(topic Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, bus: b, topic: topic, id: b.nextID, ch: ch}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

// Publish delivers an event to every subscriber of its topic. Never blocks.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.drops[topic]++
			if b.drops[topic]%100 == 1 {
				log.Printf("[EventBus] dropping events on %s (total %d)", topic, b.drops[topic])
			}
		}
	}
}

// Drops returns how many events were dropped on a topic.
func (b *Bus) Drops(topic Topic) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops[topic]
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
}
