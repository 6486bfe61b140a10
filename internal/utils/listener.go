package utils

import (
	"sync"
)

// Broadcaster fans out store and service events to subscribers.
// A subscriber whose buffer is full when an event is published is evicted
// and its channel closed, so it must resubscribe and reload its state.
type Broadcaster[T any] struct {
	lock   sync.Mutex
	subs   map[<-chan T]chan T
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[<-chan T]chan T)}
}

// Subscribe returns a channel buffered with buf slots. After Close the
// channel is returned already closed.
func (b *Broadcaster[T]) Subscribe(buf int) <-chan T {
	ch := make(chan T, buf)

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe is a no-op for unknown or already evicted channels.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan T) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.drop(ch)
}

// Publish delivers v without blocking and returns the number of subscribers
// that received it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	delivered := 0
	for key, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			b.drop(key)
		}
	}
	return delivered
}

func (b *Broadcaster[T]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return
	}
	for key := range b.subs {
		b.drop(key)
	}
	b.closed = true
}

func (b *Broadcaster[T]) drop(key <-chan T) {
	ch, ok := b.subs[key]
	if !ok {
		return
	}
	delete(b.subs, key)
	close(ch)
}
