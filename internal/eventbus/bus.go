package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Latest is a single-slot broadcast: it always holds the most recent value,
// replays it to every new subscriber, and conflates updates for slow
// subscribers so a publisher never blocks.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[chan T]struct{}
	sealed bool
	name   string
	log    pslog.Logger
}

// NewLatest constructs a Latest holding initial.
func NewLatest[T any](name string, initial T, logger pslog.Logger) *Latest[T] {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Latest[T]{
		value: initial,
		subs:  make(map[chan T]struct{}),
		name:  name,
		log:   logger,
	}
}

// Load returns the current value.
func (b *Latest[T]) Load() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Publish stores value and offers it to every subscriber. A subscriber that
// has not consumed the previous value sees only the newest one. Publish
// reports false once the broadcast is sealed.
func (b *Latest[T]) Publish(value T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.value = value
	for ch := range b.subs {
		offer(ch, value)
	}
	return true
}

// PublishIf publishes value only when keep reports true for the current
// value. The check and the publish happen under the same lock.
func (b *Latest[T]) PublishIf(value T, keep func(current T) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed || !keep(b.value) {
		return false
	}
	b.value = value
	for ch := range b.subs {
		offer(ch, value)
	}
	return true
}

// Subscribe returns a channel primed with the current value and a cancel func.
// The channel is closed by cancel or when the broadcast is sealed.
func (b *Latest[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan T, 1)
	b.mu.Lock()
	ch <- b.value
	if b.sealed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Trace("eventbus subscribe", "bus", b.name, "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
			b.log.Trace("eventbus unsubscribe", "bus", b.name)
		})
	}
}

// Seal stops further publishes and closes all subscriber channels. Values
// already delivered stay readable.
func (b *Latest[T]) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.sealed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.log.Trace("eventbus sealed", "bus", b.name)
}

// offer replaces any pending value in ch with value. Callers hold b.mu, so
// this is the only sender and the send after the drain cannot block.
func offer[T any](ch chan T, value T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- value:
	default:
	}
}
