package delivery

import "sync"

// Subscription delivers matching messages on C until Close.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	done   chan struct{}
	bus    Bus
	filter string

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	err    error
}

func newSubscription(bus Bus, filter string, buffer int) *Subscription {
	ch := make(chan Message, buffer)
	return &Subscription{
		C:      ch,
		ch:     ch,
		done:   make(chan struct{}),
		bus:    bus,
		filter: filter,
	}
}

// push blocks while the buffer is full, until the message is taken or the
// subscription is closed.
func (s *Subscription) push(m Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	case <-s.done:
	}
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.bus.Unsubscribe(s.filter)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return s.err
}
