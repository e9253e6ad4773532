// Package bus is the in-process event fan-out every other component
// publishes change notifications through (spec §4.9). It assumes nothing
// about payload shapes or wire encodings — subscribers consume structured
// Go values directly.
package bus

import (
	"sync"
	"time"
)

// Topic names a stable publication channel (spec §4.9).
type Topic string

const (
	TopicDataPointUpdated   Topic = "data_point_updated"
	TopicEquipmentStatus    Topic = "equipment_status"
	TopicInterlockRules     Topic = "interlock_rules"
	TopicEnvironmentConfig  Topic = "environment_config"
	TopicFailsafeStatus     Topic = "failsafe_status"
	TopicPortStatus         Topic = "port_status"
	TopicConfigChanged      Topic = "config_changed"
)

// Event is one published message.
type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// subscriber is one listener's mailbox. Delivery is best-effort: a full
// mailbox drops its oldest entry to make room rather than blocking the
// publisher (spec §4.9: "best-effort... slow subscribers may miss
// intermediate updates, never stale ones").
type subscriber struct {
	ch chan Event
}

// Bus is a topic-keyed publish/subscribe hub. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*subscriber)}
}

// Subscribe registers a new listener for topic with the given mailbox
// depth and returns its channel plus an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, depth int) (<-chan Event, func()) {
	if depth < 1 {
		depth = 1
	}
	s := &subscriber{ch: make(chan Event, depth)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, cand := range list {
			if cand == s {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return s.ch, unsubscribe
}

// Publish delivers payload to every current subscriber of topic. A
// subscriber whose mailbox is full has its oldest pending event dropped to
// make room — publishers never block on a slow consumer.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- evt:
			default:
				// mailbox refilled between drain and send; skip rather
				// than block.
			}
		}
	}
}
