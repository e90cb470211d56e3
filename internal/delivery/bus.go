package delivery

import (
	"strings"
	"sync"

	"github.com/xbeemesh/internal/mqttclient"
)

// Bus is a topic based publish/subscribe transport. *mqttclient.Client
// implements it.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(filter string, qos byte, handler mqttclient.Handler) error
	Unsubscribe(filter string) error
}

var _ Bus = (*mqttclient.Client)(nil)

// MemoryBus is an in-process Bus with MQTT filter semantics. Handlers run
// on the publishing goroutine. Retained messages are replayed to new
// subscribers.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string]mqttclient.Handler
	retained map[string][]byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string]mqttclient.Handler),
		retained: make(map[string][]byte),
	}
}

func (b *MemoryBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	msg := append([]byte(nil), payload...)

	b.mu.Lock()
	if retained {
		if len(msg) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = msg
		}
	}
	var handlers []mqttclient.Handler
	for filter, h := range b.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(filter string, _ byte, handler mqttclient.Handler) error {
	b.mu.Lock()
	b.subs[filter] = handler
	type kept struct {
		topic   string
		payload []byte
	}
	var replay []kept
	for topic, payload := range b.retained {
		if Match(filter, topic) {
			replay = append(replay, kept{topic, payload})
		}
	}
	b.mu.Unlock()

	for _, r := range replay {
		handler(r.topic, r.payload)
	}
	return nil
}

func (b *MemoryBus) Unsubscribe(filter string) error {
	b.mu.Lock()
	delete(b.subs, filter)
	b.mu.Unlock()
	return nil
}

// Match reports whether topic matches an MQTT filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
