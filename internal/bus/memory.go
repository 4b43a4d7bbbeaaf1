package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/errors"
)

const subscriberBuffer = 64

// MemoryBus is an in-process Bus. A single Run loop owns the subscriber set
// and is fed through the register, unregister and broadcast channels.
type MemoryBus struct {
	subscribers map[*memorySubscription]bool
	broadcast   chan Message
	register    chan *memorySubscription
	unregister  chan *memorySubscription
	done        chan struct{}
	log         zerolog.Logger
}

func NewMemoryBus(log zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[*memorySubscription]bool),
		broadcast:   make(chan Message),
		register:    make(chan *memorySubscription),
		unregister:  make(chan *memorySubscription),
		done:        make(chan struct{}),
		log:         log.With().Str("component", "bus").Logger(),
	}
}

// Run serves the bus until ctx is done, then ends every subscription.
func (b *MemoryBus) Run(ctx context.Context) {
	defer func() {
		close(b.done)
		for sub := range b.subscribers {
			close(sub.ch)
			delete(b.subscribers, sub)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-b.register:
			b.subscribers[sub] = true
			b.log.Debug().Str("pattern", sub.pattern).Int("subscribers", len(b.subscribers)).Msg("subscriber registered")

		case sub := <-b.unregister:
			if _, ok := b.subscribers[sub]; ok {
				delete(b.subscribers, sub)
				close(sub.ch)
				b.log.Debug().Str("pattern", sub.pattern).Msg("subscriber unregistered")
			}

		case msg := <-b.broadcast:
			for sub := range b.subscribers {
				if !Matches(sub.pattern, msg.Channel) {
					continue
				}
				select {
				case sub.ch <- msg:
				default:
					b.log.Warn().Str("pattern", sub.pattern).Str("channel", msg.Channel).Msg("subscriber buffer full, dropping message")
				}
			}
		}
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case b.broadcast <- Message{Channel: channel, Payload: payload}:
		return nil
	case <-b.done:
		return errors.Wrap(errors.ErrClosed, "MemoryBus", "Publish", "broadcast")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) SubscribePattern(ctx context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		ch:      make(chan Message, subscriberBuffer),
	}
	select {
	case b.register <- sub:
		return sub, nil
	case <-b.done:
		return nil, errors.Wrap(errors.ErrClosed, "MemoryBus", "SubscribePattern", "register")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, errors.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		select {
		case s.bus.unregister <- s:
		case <-s.bus.done:
		}
	})
	return nil
}
