package signaling

import "sync"

const (
	subscriptionBuffer = 16
	maxBacklog         = 64
)

// Broker fans events out to subscribers in publish order.
//
// Events published while nobody is subscribed are held (up to a bound)
// and handed to the first subscriber, so an event fired between creating
// a connection and subscribing to it is not lost. After Close, new
// subscribers receive the held events and then a closed channel.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	backlog []T
	closed  bool
}

// Subscription receives events on C until Unsubscribe or until the broker
// closes, at which point C is closed.
type Subscription[T any] struct {
	C <-chan T

	ch     chan T
	done   chan struct{}
	once   sync.Once
	broker *Broker[T]
}

// NewBroker creates an open broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := subscriptionBuffer
	if len(b.backlog) > size {
		size = len(b.backlog)
	}
	ch := make(chan T, size)
	s := &Subscription[T]{C: ch, ch: ch, done: make(chan struct{}), broker: b}

	for _, ev := range b.backlog {
		ch <- ev
	}
	b.backlog = nil

	if b.closed {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber, waiting for room in each
// subscriber's buffer. It returns false once the broker is closed.
func (b *Broker[T]) Publish(ev T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if len(b.subs) == 0 {
		if len(b.backlog) < maxBacklog {
			b.backlog = append(b.backlog, ev)
		}
		return true
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
	return true
}

// Close ends every subscription. Safe to call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
	}
}

// Closed reports whether Close was called.
func (b *Broker[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}
